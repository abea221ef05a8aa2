package timer

import (
	"context"

	"tickd/internal/services/taskengine"
)

// engineExecutor adapts the task engine to the Executor contract consumed by
// the timer loop.
type engineExecutor struct {
	eng *taskengine.Service
}

// NewEngineExecutor wraps a task engine as the timer service's executor.
func NewEngineExecutor(eng *taskengine.Service) Executor {
	return &engineExecutor{eng: eng}
}

func (e *engineExecutor) Start(ctx context.Context) error { return e.eng.Start(ctx) }
func (e *engineExecutor) Stop(ctx context.Context) error  { return e.eng.Stop(ctx) }

func (e *engineExecutor) Submit(id uint64, name string, fn func()) error {
	return e.eng.Enqueue(taskengine.Task{
		ID:   id,
		Name: name,
		Run: func(ctx context.Context) error {
			fn()
			return nil
		},
	})
}

func (e *engineExecutor) QueueLen() int { return e.eng.QueueLen() }
func (e *engineExecutor) Workers() int  { return e.eng.Workers() }
