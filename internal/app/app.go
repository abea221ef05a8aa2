package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tickd/internal/config"
	"tickd/internal/eventbus"
	"tickd/internal/runtime/supervisor"
	"tickd/internal/services/diag"
	"tickd/internal/services/taskengine"
	"tickd/internal/services/timer"
	"tickd/internal/storage"
	logx "tickd/pkg/logx"
)

// App wires the daemon together: config, logging, event bus, the callback
// engine, the timer service, and optional fire-history storage.
type App struct {
	cfgPath string

	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store storage.Store

	engine *taskengine.Service
	timers *timer.Service
	diag   *diag.Service

	mu     sync.Mutex
	defIDs []uint64

	sup *supervisor.Supervisor
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := taskengine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	timerSvc := timer.New(timer.Config{
		DropWarnPerSec: cfg.Timer.DropWarnPerSec,
	}, log.With(logx.String("comp", "timer")), bus, timer.NewEngineExecutor(engineSvc))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		engine:  engineSvc,
		timers:  timerSvc,
	}

	if cfg.Diag != nil {
		a.diag = diag.New(diag.Config{
			Enabled:       cfg.Diag.Enabled,
			Addr:          cfg.Diag.Addr,
			Token:         cfg.Diag.Token,
			AllowInsecure: cfg.Diag.AllowInsecure,
		}, log.With(logx.String("comp", "diag")), a.statusSnapshot)
	}

	return a, nil
}

// statusSnapshot assembles the /statusz payload.
func (a *App) statusSnapshot() any {
	st := map[string]any{
		"timer":  a.timers.Snapshot(),
		"engine": a.engine.Snapshot(),
	}
	if a.sup != nil {
		st["goroutines"] = a.sup.Counters()
	}
	return st
}

// Timers exposes the timer service for embedding callers.
func (a *App) Timers() *timer.Service { return a.timers }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))
	runCtx := a.sup.Context()

	if err := a.timers.Start(runCtx); err != nil {
		a.sup.Cancel()
		return err
	}

	a.registerTimers(a.cfgm.Get())

	if a.store != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("history.record", func(c context.Context) {
			defer unsub()
			a.recordLoop(c, events)
		})
	}

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.diag != nil && a.diag.Enabled() {
		a.sup.GoRestart("diag.serve", a.diag.Run, 500*time.Millisecond, 10*time.Second)
	}

	a.log.Info("daemon started",
		logx.Int("workers", a.timers.PoolWorkerCount()),
		logx.Int("timers", a.timers.ActiveTimerCount()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")

	err := a.timers.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		if werr := a.sup.Wait(ctx); werr != nil && err == nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
	}

	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	_ = a.logs.Close()
	return err
}

// registerTimers replaces config-declared timers with defs from cfg.
func (a *App) registerTimers(cfg *config.Config) {
	if cfg == nil {
		return
	}

	a.mu.Lock()
	old := a.defIDs
	a.defIDs = nil
	a.mu.Unlock()
	for _, id := range old {
		a.timers.Cancel(id)
	}

	var ids []uint64
	for _, def := range cfg.Timers {
		id, err := a.registerDef(def)
		if err != nil {
			a.log.Warn("skipping timer definition",
				logx.String("name", def.Name), logx.Err(err))
			continue
		}
		ids = append(ids, id)
	}

	a.mu.Lock()
	a.defIDs = ids
	a.mu.Unlock()

	if len(ids) > 0 {
		a.log.Info("timers registered", logx.Int("count", len(ids)))
	}
}

func (a *App) registerDef(def config.TimerDef) (uint64, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return 0, fmt.Errorf("timer name is required")
	}

	ps, err := timer.ParseSchedule(def.Schedule)
	if err != nil {
		return 0, err
	}

	msg := def.Message
	tlog := a.log.With(logx.String("comp", "timer"), logx.String("name", name))
	cb := func() {
		if msg != "" {
			tlog.Info(msg)
		} else {
			tlog.Info("timer fired")
		}
	}

	if ps.Kind == timer.SpecCron {
		return a.timers.ScheduleCron(name, ps.Cron, cb)
	}
	if def.Once {
		return a.timers.ScheduleOnce(name, cb, ps.Every), nil
	}
	// First fire after one full interval, not at startup.
	return a.timers.ScheduleRepeatingDelayed(name, cb, ps.Every, ps.Every), nil
}

// recordLoop persists fire history from bus events.
func (a *App) recordLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			rec, ok := fireRecordFor(e)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := a.store.AppendFire(wctx, rec); err != nil {
				a.log.Debug("history append failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func fireRecordFor(e eventbus.Event) (storage.FireRecord, bool) {
	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	switch e.Type {
	case eventbus.TypeTimerFired:
		fe, ok := e.Data.(timer.FireEvent)
		if !ok {
			return storage.FireRecord{}, false
		}
		return storage.FireRecord{
			At: at, TimerID: fe.ID, Name: fe.Name,
			Status: storage.StatusFired, Late: fe.Late,
		}, true
	case eventbus.TypeTimerDropped:
		te, ok := e.Data.(taskengine.TaskEvent)
		if !ok {
			return storage.FireRecord{}, false
		}
		return storage.FireRecord{
			At: at, TimerID: te.ID, Name: te.Name,
			Status: storage.StatusDropped, Error: te.Error,
		}, true
	case eventbus.TypeTaskFailed:
		te, ok := e.Data.(taskengine.TaskEvent)
		if !ok {
			return storage.FireRecord{}, false
		}
		return storage.FireRecord{
			At: at, TimerID: te.ID, Name: te.Name,
			Status: storage.StatusFailed, Took: te.Duration, Error: te.Error,
		}, true
	default:
		return storage.FireRecord{}, false
	}
}

// reloadLoop applies hot config updates: logging and timer definitions are
// live; engine and storage changes need a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			if newCfg == nil {
				continue
			}

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			if engCfg, err := mapEngineConfig(newCfg); err != nil {
				a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
			} else if engCfg != a.engine.Config() {
				a.log.Warn("engine config changed; restart required for changes to take effect")
			}

			a.registerTimers(newCfg)
			a.log.Info("config reloaded")
		}
	}
}

func mapEngineConfig(cfg *config.Config) (taskengine.Config, error) {
	timeout, err := config.ParseDurationField("engine.default_timeout", cfg.Engine.DefaultTimeout)
	if err != nil {
		return taskengine.Config{}, err
	}
	if cfg.Engine.Workers < 0 {
		return taskengine.Config{}, fmt.Errorf("engine.workers must be >= 0")
	}
	if cfg.Engine.QueueSize < 0 {
		return taskengine.Config{}, fmt.Errorf("engine.queue_size must be >= 0")
	}
	if cfg.Engine.HistorySize < 0 {
		return taskengine.Config{}, fmt.Errorf("engine.history_size must be >= 0")
	}
	return taskengine.Config{
		Workers:        cfg.Engine.Workers,
		QueueSize:      cfg.Engine.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    cfg.Engine.HistorySize,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, true, nil
}
