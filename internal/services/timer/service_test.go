package timer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tickd/internal/services/taskengine"
	logx "tickd/pkg/logx"
)

// inlineExecutor runs callbacks synchronously and records each firing.
// Callbacks in these tests are tiny, so inline execution keeps firing
// timestamps deterministic.
type inlineExecutor struct {
	mu     sync.Mutex
	fires  []uint64
	times  []time.Time
	reject error
}

func (e *inlineExecutor) Start(ctx context.Context) error { return nil }
func (e *inlineExecutor) Stop(ctx context.Context) error  { return nil }
func (e *inlineExecutor) QueueLen() int                   { return 0 }
func (e *inlineExecutor) Workers() int                    { return 1 }

func (e *inlineExecutor) Submit(id uint64, name string, fn func()) error {
	e.mu.Lock()
	if e.reject != nil {
		defer e.mu.Unlock()
		return e.reject
	}
	e.fires = append(e.fires, id)
	e.times = append(e.times, time.Now())
	e.mu.Unlock()
	fn()
	return nil
}

func (e *inlineExecutor) firings() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint64(nil), e.fires...)
}

type failingExecutor struct{ inlineExecutor }

func (e *failingExecutor) Start(ctx context.Context) error { return errors.New("no threads") }

func startedService(t *testing.T, exec Executor) *Service {
	t.Helper()
	if exec == nil {
		exec = &inlineExecutor{}
	}
	s := New(Config{}, logx.Nop(), nil, exec)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestScheduleOnceFiresOnceWithinWindow(t *testing.T) {
	t.Parallel()
	exec := &inlineExecutor{}
	s := startedService(t, exec)

	var count atomic.Int32
	start := time.Now()
	id := s.ScheduleOnce("once", func() { count.Add(1) }, 50*time.Millisecond)
	if id == 0 {
		t.Fatal("id = 0 for a running service")
	}

	waitFor(t, 2*time.Second, func() bool { return count.Load() == 1 })
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond {
		t.Fatalf("fired after %v, before the 50ms deadline", elapsed)
	}
	if elapsed > 150*time.Millisecond {
		t.Fatalf("fired after %v, far past the deadline", elapsed)
	}

	// One-shot: no second firing, and the record is gone.
	time.Sleep(80 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Fatalf("callback ran %d times, want 1", got)
	}
	if got := s.ActiveTimerCount(); got != 0 {
		t.Fatalf("ActiveTimerCount = %d, want 0", got)
	}
}

func TestFiringOrder(t *testing.T) {
	t.Parallel()
	exec := &inlineExecutor{}
	s := startedService(t, exec)

	// Distinct delays scheduled out of order, plus an equal-delay pair.
	id80 := s.ScheduleOnce("d80", func() {}, 80*time.Millisecond)
	id20 := s.ScheduleOnce("d20", func() {}, 20*time.Millisecond)
	id50a := s.ScheduleOnce("d50a", func() {}, 50*time.Millisecond)
	id50b := s.ScheduleOnce("d50b", func() {}, 50*time.Millisecond)

	waitFor(t, 2*time.Second, func() bool { return s.ActiveTimerCount() == 0 })

	got := exec.firings()
	want := []uint64{id20, id50a, id50b, id80}
	if len(got) != len(want) {
		t.Fatalf("fired %d timers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("firing order = %v, want %v", got, want)
		}
	}
}

func TestEarlierInsertionWakesLoop(t *testing.T) {
	t.Parallel()
	exec := &inlineExecutor{}
	s := startedService(t, exec)

	// Park the loop on a distant deadline, then insert a sooner one.
	s.ScheduleOnce("far", func() {}, time.Hour)
	var fired atomic.Bool
	start := time.Now()
	s.ScheduleOnce("near", func() { fired.Store(true) }, 30*time.Millisecond)

	waitFor(t, 2*time.Second, func() bool { return fired.Load() })
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("near timer fired after %v; loop did not wake for the earlier deadline", elapsed)
	}
}

func TestCancelBeforeDeadline(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	s := startedService(t, nil)

	id := s.ScheduleOnce("victim", func() { count.Add(1) }, 60*time.Millisecond)
	if !s.Cancel(id) {
		t.Fatal("Cancel returned false before the deadline")
	}
	if s.Cancel(id) {
		t.Fatal("second Cancel returned true")
	}
	if s.ActiveTimerCount() != 0 {
		t.Fatalf("ActiveTimerCount = %d after cancel", s.ActiveTimerCount())
	}

	time.Sleep(120 * time.Millisecond)
	if count.Load() != 0 {
		t.Fatal("cancelled timer executed")
	}
}

func TestCancelAfterFire(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	s := startedService(t, nil)

	id := s.ScheduleOnce("done", func() { count.Add(1) }, 10*time.Millisecond)
	waitFor(t, 2*time.Second, func() bool { return count.Load() == 1 })

	if s.Cancel(id) {
		t.Fatal("Cancel returned true for an already-fired one-shot")
	}
	if s.Cancel(9999) {
		t.Fatal("Cancel returned true for an unknown id")
	}
}

func TestRepeatingFiresAndCancelStops(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	s := startedService(t, nil)

	id := s.ScheduleRepeatingDelayed("tick", func() { count.Add(1) }, 20*time.Millisecond, 20*time.Millisecond)
	waitFor(t, 2*time.Second, func() bool { return count.Load() >= 3 })

	if !s.Cancel(id) {
		t.Fatal("Cancel returned false for a live repeating timer")
	}
	settled := count.Load()
	time.Sleep(100 * time.Millisecond)
	if got := count.Load(); got != settled {
		t.Fatalf("repeating timer fired %d more times after Cancel", got-settled)
	}
}

func TestRepeatingRearmsFromDeadlineNotNow(t *testing.T) {
	t.Parallel()
	exec := &inlineExecutor{}
	s := startedService(t, exec)

	const interval = 25 * time.Millisecond
	var count atomic.Int32
	id := s.ScheduleRepeatingDelayed("steady", func() { count.Add(1) }, interval, interval)

	waitFor(t, 3*time.Second, func() bool { return count.Load() >= 4 })
	s.Cancel(id)

	exec.mu.Lock()
	times := append([]time.Time(nil), exec.times...)
	exec.mu.Unlock()
	if len(times) < 4 {
		t.Fatalf("recorded %d firings, want >= 4", len(times))
	}
	// Average period stays near the interval: late individual firings must
	// not push every later deadline out.
	total := times[3].Sub(times[0])
	avg := total / 3
	if avg < interval-10*time.Millisecond || avg > interval+15*time.Millisecond {
		t.Fatalf("average period %v drifted from interval %v", avg, interval)
	}
}

func TestScheduleRepeatingFiresImmediately(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	s := startedService(t, nil)

	id := s.ScheduleRepeating("now", func() { count.Add(1) }, time.Hour)
	waitFor(t, 2*time.Second, func() bool { return count.Load() == 1 })
	s.Cancel(id)
}

func TestScheduleBeforeStart(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	s := New(Config{}, logx.Nop(), nil, &inlineExecutor{})

	if id := s.ScheduleOnce("early", func() { count.Add(1) }, 10*time.Millisecond); id != 0 {
		t.Fatalf("id = %d for a stopped service, want sentinel 0", id)
	}
	time.Sleep(50 * time.Millisecond)
	if count.Load() != 0 {
		t.Fatal("callback ran without the service started")
	}
}

func TestStartErrors(t *testing.T) {
	t.Parallel()
	s := startedService(t, nil)
	if err := s.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Start = %v, want ErrRunning", err)
	}

	bad := New(Config{}, logx.Nop(), nil, &failingExecutor{})
	if err := bad.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with a failing executor")
	}
	if bad.IsRunning() {
		t.Fatal("service running after failed Start")
	}
}

func TestStopClearsAndRestartWorks(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	s := startedService(t, nil)

	s.ScheduleOnce("stale", func() { count.Add(1) }, time.Hour)
	s.ScheduleRepeating("stale2", func() { count.Add(1) }, time.Hour)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsRunning() {
		t.Fatal("IsRunning after Stop")
	}
	// Stop again is a no-op.
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if got := s.ActiveTimerCount(); got != 0 {
		t.Fatalf("ActiveTimerCount = %d after restart, want 0", got)
	}

	fired := make(chan struct{})
	if id := s.ScheduleOnce("fresh", func() { close(fired) }, 10*time.Millisecond); id == 0 {
		t.Fatal("scheduling failed after restart")
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire after restart")
	}
}

func TestManyOneShots(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	s := startedService(t, nil)

	const n = 100
	for i := 0; i < n; i++ {
		delay := time.Duration(i%100) * time.Millisecond
		if id := s.ScheduleOnce("bulk", func() { count.Add(1) }, delay); id == 0 {
			t.Fatalf("schedule %d failed", i)
		}
	}

	waitFor(t, 5*time.Second, func() bool { return count.Load() == n })
	if got := s.ActiveTimerCount(); got != 0 {
		t.Fatalf("ActiveTimerCount = %d after all firings, want 0", got)
	}
}

func TestCancelAll(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	s := startedService(t, nil)

	for i := 0; i < 10; i++ {
		s.ScheduleOnce("bulk", func() { count.Add(1) }, 80*time.Millisecond)
	}
	if got := s.ActiveTimerCount(); got != 10 {
		t.Fatalf("ActiveTimerCount = %d, want 10", got)
	}
	s.CancelAll()
	if got := s.ActiveTimerCount(); got != 0 {
		t.Fatalf("ActiveTimerCount = %d after CancelAll", got)
	}
	time.Sleep(150 * time.Millisecond)
	if count.Load() != 0 {
		t.Fatal("cancelled timers executed")
	}
}

func TestOverflowDropsFiring(t *testing.T) {
	t.Parallel()
	exec := &inlineExecutor{reject: taskengine.ErrQueueFull}
	s := startedService(t, exec)

	s.ScheduleOnce("doomed", func() {}, 10*time.Millisecond)
	waitFor(t, 2*time.Second, func() bool { return s.Snapshot().Dropped == 1 })

	// A drop does not corrupt bookkeeping.
	if got := s.ActiveTimerCount(); got != 0 {
		t.Fatalf("ActiveTimerCount = %d after drop, want 0", got)
	}
}

func TestUniqueMonotonicIDs(t *testing.T) {
	t.Parallel()
	s := startedService(t, nil)

	seen := map[uint64]bool{}
	var last uint64
	for i := 0; i < 50; i++ {
		id := s.ScheduleOnce("idgen", func() {}, time.Hour)
		if id == 0 {
			t.Fatal("sentinel id from a running service")
		}
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		if id <= last {
			t.Fatalf("ids not monotonic: %d after %d", id, last)
		}
		seen[id] = true
		last = id
	}
	s.CancelAll()
}

func TestScheduleCronFiresAndRearms(t *testing.T) {
	t.Parallel()
	var count atomic.Int32
	s := startedService(t, nil)

	id, err := s.ScheduleCron("everysec", "@every 1s", func() { count.Add(1) })
	if err != nil {
		t.Fatalf("ScheduleCron: %v", err)
	}
	if id == 0 {
		t.Fatal("id = 0 for a running service")
	}

	waitFor(t, 5*time.Second, func() bool { return count.Load() >= 2 })
	// Still registered: a cron record re-arms after every firing.
	if got := s.ActiveTimerCount(); got != 1 {
		t.Fatalf("ActiveTimerCount = %d, want 1", got)
	}
	s.Cancel(id)
}

func TestScheduleCronRejectsNeverMatchingSpec(t *testing.T) {
	t.Parallel()
	exec := &inlineExecutor{}
	s := startedService(t, exec)

	// Day 30 of February parses but never occurs.
	id, err := s.ScheduleCron("never", "0 0 30 2 *", func() {})
	if !errors.Is(err, ErrNeverFires) {
		t.Fatalf("ScheduleCron = %v, want ErrNeverFires", err)
	}
	if id != 0 {
		t.Fatalf("id = %d, want sentinel 0", id)
	}
	if got := s.ActiveTimerCount(); got != 0 {
		t.Fatalf("ActiveTimerCount = %d, want 0", got)
	}

	time.Sleep(100 * time.Millisecond)
	if got := len(exec.firings()); got != 0 {
		t.Fatalf("executor received %d submissions from an unschedulable spec", got)
	}
}

// oneShotSchedule yields a single future run, then no further occurrences.
type oneShotSchedule struct {
	mu    sync.Mutex
	calls int
}

func (z *oneShotSchedule) Next(t time.Time) time.Time {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.calls++
	if z.calls == 1 {
		return t.Add(20 * time.Millisecond)
	}
	return time.Time{}
}

func TestCronRearmStopsWhenScheduleExhausts(t *testing.T) {
	t.Parallel()
	exec := &inlineExecutor{}
	s := startedService(t, exec)

	var count atomic.Int32
	sched := &oneShotSchedule{}
	id := s.schedule("lastrun", func() { count.Add(1) }, sched.Next(time.Now()), 0, true, sched)
	if id == 0 {
		t.Fatal("schedule failed")
	}

	waitFor(t, 2*time.Second, func() bool { return count.Load() == 1 })
	// The exhausted schedule must retire the record, not respin it.
	time.Sleep(100 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Fatalf("callback ran %d times after the schedule exhausted, want 1", got)
	}
	if got := s.ActiveTimerCount(); got != 0 {
		t.Fatalf("ActiveTimerCount = %d, want 0", got)
	}
}

func TestEngineExecutorEndToEnd(t *testing.T) {
	t.Parallel()
	eng := taskengine.New(taskengine.Config{Workers: 2, QueueSize: 16}, logx.Nop(), nil)
	s := New(Config{}, logx.Nop(), nil, NewEngineExecutor(eng))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	if got := s.PoolWorkerCount(); got != 2 {
		t.Fatalf("PoolWorkerCount = %d, want 2", got)
	}

	fired := make(chan struct{})
	if id := s.ScheduleOnce("e2e", func() { close(fired) }, 20*time.Millisecond); id == 0 {
		t.Fatal("schedule failed")
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("callback never ran through the engine")
	}

	if got := s.PoolQueueSize(); got != 0 {
		t.Fatalf("PoolQueueSize = %d, want 0", got)
	}
}
