package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	defer unsub()

	b.Publish(Event{Type: TypeTimerFired, Data: 42})

	select {
	case e := <-ch:
		if e.Type != TypeTimerFired {
			t.Fatalf("Type = %q, want %q", e.Type, TypeTimerFired)
		}
		if e.Time.IsZero() {
			t.Fatal("expected Publish to fill in Time")
		}
		if e.Data.(int) != 42 {
			t.Fatalf("Data = %v, want 42", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TypeTaskStarted})
	// Buffer is full now; this publish must not block.
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: TypeTaskFinished})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := (<-ch).Type; got != TypeTaskStarted {
		t.Fatalf("first event = %q, want %q", got, TypeTaskStarted)
	}
}

func TestUnsubscribeDuringPublish(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	_ = ch
	unsub()
	unsub() // idempotent

	// Must not panic after the channel is closed.
	b.Publish(Event{Type: TypeTimerCancelled})
}
