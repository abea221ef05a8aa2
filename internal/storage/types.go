package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Fire record statuses.
const (
	StatusFired   = "fired"
	StatusDropped = "dropped"
	StatusFailed  = "failed"
)

// FireRecord records one timer firing (or a drop).
// Keep it compact and schema-stable.
type FireRecord struct {
	At      time.Time     `json:"at"`
	TimerID uint64        `json:"timer_id"`
	Name    string        `json:"name,omitempty"`
	Status  string        `json:"status"`
	Late    time.Duration `json:"late,omitempty"`
	Took    time.Duration `json:"took,omitempty"`
	Error   string        `json:"error,omitempty"`
}
