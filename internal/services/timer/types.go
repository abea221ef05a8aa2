package timer

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Config controls the timer service.
type Config struct {
	// DropWarnPerSec bounds how often "executor queue full" warnings are
	// logged. <= 0 means 1/s.
	DropWarnPerSec int
}

// Executor is the asynchronous execution collaborator: it accepts callbacks
// for fire-and-forget execution on its own pool and exposes introspection.
//
// Submit must not block the caller for an unbounded time; a full executor
// returns an error instead of stalling timer bookkeeping.
type Executor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Submit(id uint64, name string, fn func()) error
	QueueLen() int
	Workers() int
}

// record is one scheduled callback. It lives in both store views (deadline
// heap and id map) or in neither.
type record struct {
	id       uint64
	seq      uint64 // insertion order, tie-break for equal deadlines
	name     string
	callback func()

	deadline  time.Time
	interval  time.Duration
	repeating bool
	cancelled bool

	// sched is non-nil for cron-backed records; it supplies the next
	// deadline instead of a fixed interval.
	sched cron.Schedule

	heapIdx int
}

// FireEvent is published on the event bus whenever a timer fires, is dropped
// by the executor, or is cancelled.
type FireEvent struct {
	ID       uint64        `json:"id"`
	Name     string        `json:"name"`
	Deadline time.Time     `json:"deadline"`
	Late     time.Duration `json:"late,omitempty"`
}

// Snapshot is a diagnostics view of the service at one instant.
type Snapshot struct {
	Running      bool   `json:"running"`
	ActiveTimers int    `json:"active_timers"`
	Fired        uint64 `json:"fired"`
	Dropped      uint64 `json:"dropped"`

	// Executor introspection.
	QueueLen int `json:"queue_len"`
	Workers  int `json:"workers"`

	// NextDeadline is zero when no timer is pending.
	NextDeadline time.Time `json:"next_deadline,omitempty"`
}
