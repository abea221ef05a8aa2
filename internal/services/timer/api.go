package timer

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"tickd/internal/eventbus"
	logx "tickd/pkg/logx"
)

// ScheduleOnce registers cb to run once after delay. It returns the timer id,
// or 0 when the service is not running or cb is nil.
func (s *Service) ScheduleOnce(name string, cb func(), delay time.Duration) uint64 {
	return s.schedule(name, cb, time.Now().Add(delay), 0, false, nil)
}

// ScheduleRepeating registers cb to run every interval, first firing
// immediately. It returns the timer id, or 0 when the service is not running.
func (s *Service) ScheduleRepeating(name string, cb func(), interval time.Duration) uint64 {
	return s.ScheduleRepeatingDelayed(name, cb, interval, 0)
}

// ScheduleRepeatingDelayed is ScheduleRepeating with a distinct initial
// delay before the first firing.
func (s *Service) ScheduleRepeatingDelayed(name string, cb func(), interval, initialDelay time.Duration) uint64 {
	if interval <= 0 {
		return 0
	}
	return s.schedule(name, cb, time.Now().Add(initialDelay), interval, true, nil)
}

// ScheduleCron registers cb on a cron schedule (5/6-field spec or descriptor
// like "@hourly"). The spec is validated even when the service is stopped;
// a stopped service yields id 0 with no error. A spec with no future
// occurrence returns ErrNeverFires.
func (s *Service) ScheduleCron(name, spec string, cb func()) (uint64, error) {
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return 0, err
	}
	first := sched.Next(time.Now())
	if first.IsZero() {
		return 0, fmt.Errorf("%w: %q", ErrNeverFires, spec)
	}
	return s.schedule(name, cb, first, 0, true, sched), nil
}

func (s *Service) schedule(name string, cb func(), deadline time.Time, interval time.Duration, repeating bool, sched cron.Schedule) uint64 {
	if cb == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return 0
	}

	id := s.nextID.Add(1)
	r := &record{
		id:        id,
		name:      name,
		callback:  cb,
		deadline:  deadline,
		interval:  interval,
		repeating: repeating,
		sched:     sched,
	}
	s.store.insert(r)
	s.wakeLocked()

	s.log.Debug("timer scheduled",
		logx.Uint64("id", id),
		logx.String("name", name),
		logx.Time("deadline", deadline),
		logx.Bool("repeating", repeating),
	)
	return id
}

// Cancel removes the timer with the given id. It returns false when the id is
// unknown, already fired to completion, or lost the race against the firing
// path; a callback already handed to the executor may still run.
func (s *Service) Cancel(id uint64) bool {
	s.mu.Lock()
	r, ok := s.store.get(id)
	if ok {
		r.cancelled = true
		s.store.removeByID(id)
		s.wakeLocked()
	}
	s.mu.Unlock()

	if ok {
		s.log.Debug("timer cancelled", logx.Uint64("id", id), logx.String("name", r.name))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeTimerCancelled, Data: FireEvent{ID: id, Name: r.name, Deadline: r.deadline}})
		}
	}
	return ok
}

// CancelAll drops every pending timer.
func (s *Service) CancelAll() {
	s.mu.Lock()
	n := s.store.size()
	s.store.clear()
	s.wakeLocked()
	s.mu.Unlock()
	if n > 0 {
		s.log.Debug("all timers cancelled", logx.Int("count", n))
	}
}

// ActiveTimerCount reports the number of pending (scheduled, not yet fired or
// cancelled) timers.
func (s *Service) ActiveTimerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.size()
}

// PoolQueueSize reports the executor's pending-task count.
func (s *Service) PoolQueueSize() int { return s.exec.QueueLen() }

// PoolWorkerCount reports the executor's worker count.
func (s *Service) PoolWorkerCount() int { return s.exec.Workers() }
