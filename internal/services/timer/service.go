package timer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"tickd/internal/eventbus"
	logx "tickd/pkg/logx"
)

// Service schedules deferred callbacks and dispatches them to an Executor.
//
// All store mutation happens under mu; the background loop holds it only for
// O(k) pop/re-arm work and never while a callback executes.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	bus  eventbus.Bus
	cfg  Config
	exec Executor

	parser cron.Parser
	store  *store

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	// wakeCh is 1-buffered; a non-blocking send after any mutation that can
	// move the earliest deadline forward wakes the loop promptly.
	wakeCh chan struct{}

	nextID  atomic.Uint64
	fired   atomic.Uint64
	dropped atomic.Uint64

	dropWarn *rate.Limiter
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, exec Executor) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	perSec := cfg.DropWarnPerSec
	if perSec <= 0 {
		perSec = 1
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		exec: exec,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		store:    newStore(),
		dropWarn: rate.NewLimiter(rate.Limit(perSec), perSec),
	}
}

// Start brings up the executor and the background loop.
//
// It returns ErrRunning when already started and leaves nothing running when
// the executor fails to start.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}

	if err := s.exec.Start(ctx); err != nil {
		return fmt.Errorf("start executor: %w", err)
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.wakeCh = make(chan struct{}, 1)
	s.running = true

	go s.run(s.stopCh, s.wakeCh, s.doneCh)

	s.log.Info("timer service started")
	return nil
}

// Stop signals the loop, joins it, stops the executor and clears all pending
// timers. It is idempotent and safe to call when not running.
func (s *Service) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.stopCh = nil
	s.doneCh = nil
	s.wakeCh = nil
	s.mu.Unlock()

	close(stopCh)
	<-doneCh

	err := s.exec.Stop(ctx)

	// Drop pending timers so a later Start begins from an empty schedule
	// instead of firing a backlog of stale deadlines.
	s.mu.Lock()
	cleared := s.store.size()
	s.store.clear()
	s.mu.Unlock()

	s.log.Info("timer service stopped", logx.Duration("took", time.Since(start)), logx.Int("cleared", cleared))
	return err
}

// IsRunning reports whether the service accepts schedule calls.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// wakeLocked nudges the loop after a mutation that may have produced a sooner
// earliest deadline. Callers hold mu.
func (s *Service) wakeLocked() {
	if s.wakeCh == nil {
		return
	}
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}
