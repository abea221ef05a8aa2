package taskengine

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tickd/internal/eventbus"
	logx "tickd/pkg/logx"
)

type queuedTask struct {
	task    Task
	state   *RunState
	track   bool // release state when done
	timeout time.Duration
}

// Service executes tasks from a queue using a worker pool.
//
// It is panic-safe (worker goroutines recover), and cooperates with shutdown
// via Start/Stop. Enqueue is non-blocking so callers holding their own locks
// are never stalled by a full queue.
type Service struct {
	mu sync.Mutex

	log logx.Logger
	bus eventbus.Bus
	cfg Config

	queue     chan queuedTask
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
	workers   int

	stateMu sync.Mutex
	states  map[string]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	// Counters (lifetime) for operator diagnostics.
	dropped atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus, states: map[string]*RunState{}}
}

func (s *Service) Start(ctx context.Context) error {
	// If a Stop() is in progress, wait for it to complete (prevents double worker pools).
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			// already running
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
		select {
		case <-done:
			// loop
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	qs := s.cfg.QueueSize
	if qs <= 0 {
		qs = 256
	}
	// Fresh queue per run to avoid executing stale items after a stop/start toggle.
	s.queue = make(chan queuedTask, qs)
	s.workers = workers

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in taskengine worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			s.log.Debug("worker started", logx.Int("worker", idx))
			s.worker(runCtx, stopCh, queue, idx)
			s.log.Debug("worker stopped", logx.Int("worker", idx))
		}()
	}

	s.log.Info("task engine started", logx.Int("workers", workers), logx.Int("queue_size", qs))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.workers = 0
		s.mu.Unlock()
		close(done)
		s.log.Info("task engine stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// stop continues in background
		return ctx.Err()
	}
}

// Running reports whether the worker pool is accepting tasks.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh != nil && s.stopDone == nil
}

func (s *Service) stateFor(key string) *RunState {
	key = strings.TrimSpace(key)
	if key == "" {
		return &RunState{}
	}
	s.stateMu.Lock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	s.stateMu.Unlock()
	return st
}

// Enqueue submits a task for execution.
//
// It is non-blocking: if the queue is full it returns ErrQueueFull and drops
// the task.
func (s *Service) Enqueue(t Task) error {
	s.mu.Lock()
	cfg := s.cfg
	q := s.queue
	bus := s.bus
	log := s.log
	s.mu.Unlock()

	if q == nil {
		return ErrStopped
	}
	if t.Run == nil {
		return ErrNilRun
	}

	st := (*RunState)(nil)
	track := false
	if t.Overlap == OverlapSkipIfRunning {
		key := strings.TrimSpace(t.ConcurrencyKey)
		if key == "" {
			key = t.Name
		}
		st = s.stateFor(key)
		if !st.tryAcquire() {
			log.Debug("task skipped (overlap)", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
		track = true
	}

	timeout := t.Timeout
	if timeout <= 0 && cfg.DefaultTimeout > 0 {
		timeout = cfg.DefaultTimeout
	}

	qt := queuedTask{task: t, state: st, track: track, timeout: timeout}
	select {
	case q <- qt:
		return nil
	default:
		if track {
			st.release()
		}
		s.dropped.Add(1)
		now := time.Now()
		// Overflow logging is the caller's policy; keep this at debug so a hot
		// producer cannot flood the log through the engine.
		log.Debug("taskengine queue full; dropping task", logx.String("task", t.Name), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		if bus != nil {
			bus.Publish(eventbus.Event{Type: eventbus.TypeTimerDropped, Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"}})
		}
		return ErrQueueFull
	}
}

// Config returns the config the service was created with.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// QueueLen reports the number of queued (not yet started) tasks.
func (s *Service) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return 0
	}
	return len(s.queue)
}

// Workers reports the size of the worker pool for the current run.
func (s *Service) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.stopCh != nil && s.stopDone == nil
	workers := s.workers
	ql := 0
	qc := 0
	if s.queue != nil {
		ql = len(s.queue)
		qc = cap(s.queue)
	}
	s.mu.Unlock()

	s.hmu.Lock()
	hist := make([]HistoryItem, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:  running,
		Workers:  workers,
		QueueLen: ql,
		QueueCap: qc,
		Dropped:  s.dropped.Load(),
		History:  hist,
	}
}
