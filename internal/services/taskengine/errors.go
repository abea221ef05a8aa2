package taskengine

import (
	"errors"
	"fmt"
)

var (
	ErrStopped     = errors.New("task engine stopped")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrNilRun      = errors.New("task Run is nil")
	ErrOverlapSkip = errors.New("task skipped due to overlap policy")
)

// PanicError wraps a recovered panic from a task callback.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}
