package timer

import "errors"

var (
	ErrRunning = errors.New("timer service already running")

	// ErrNeverFires reports a cron spec that parses but has no future
	// occurrence (for example day 30 of February).
	ErrNeverFires = errors.New("cron spec never matches a future time")
)
