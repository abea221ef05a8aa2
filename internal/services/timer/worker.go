package timer

import (
	"time"

	"tickd/internal/eventbus"
	logx "tickd/pkg/logx"
)

// run is the single background loop. It pops expired records under the lock,
// hands their callbacks to the executor without waiting for completion,
// re-arms repeating records, then sleeps until the next deadline or until a
// schedule/cancel call wakes it.
func (s *Service) run(stopCh, wakeCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	// The timer starts disarmed; it is re-armed from the store's earliest
	// deadline at the bottom of every iteration.
	tmr := time.NewTimer(time.Hour)
	stopTimer(tmr)
	defer stopTimer(tmr)

	for {
		now := time.Now()

		s.mu.Lock()
		expired := s.store.popExpired(now)
		for _, r := range expired {
			s.fireLocked(r, now)
		}
		next, ok := s.store.earliest()
		s.mu.Unlock()

		if ok {
			resetTimer(tmr, time.Until(next))
		} else {
			stopTimer(tmr)
		}

		select {
		case <-stopCh:
			return
		case <-wakeCh:
			// Earliest deadline may have moved; recompute.
		case <-tmr.C:
			// Deadline due; pop on the next iteration.
		}
	}
}

// fireLocked submits one expired record and re-arms it when repeating.
// Caller holds mu; the executor submit is non-blocking so the lock is never
// held for callback execution.
func (s *Service) fireLocked(r *record, now time.Time) {
	if r.cancelled {
		return
	}

	late := now.Sub(r.deadline)
	if err := s.exec.Submit(r.id, r.name, r.callback); err != nil {
		s.dropped.Add(1)
		if s.dropWarn.Allow() {
			s.log.Warn("executor rejected timer callback; dropping this firing",
				logx.Uint64("id", r.id),
				logx.String("name", r.name),
				logx.Err(err),
				logx.Uint64("dropped_total", s.dropped.Load()),
			)
		}
	} else {
		s.fired.Add(1)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTimerFired, Time: now, Data: FireEvent{ID: r.id, Name: r.name, Deadline: r.deadline, Late: late}})
		}
	}

	if !r.repeating {
		return
	}

	// Re-arm from the previous scheduled deadline, not from now, so jitter in
	// one period does not shift every later period.
	if r.sched != nil {
		next := r.sched.Next(now)
		if next.IsZero() {
			// No future occurrence. Retire the record rather than reinsert
			// an always-expired zero deadline.
			s.log.Warn("cron timer has no next run; removing",
				logx.Uint64("id", r.id),
				logx.String("name", r.name),
			)
			return
		}
		r.deadline = next
	} else {
		r.deadline = r.deadline.Add(r.interval)
	}
	s.store.insert(r)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}
