package config

// Config is the tickd daemon configuration, loaded from YAML or JSON.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Engine controls the worker pool that executes timer callbacks.
	Engine EngineConfig `json:"engine"`

	// Timer controls the scheduler itself.
	Timer TimerConfig `json:"timer,omitempty"`

	// Storage optionally persists fire history (not the timers themselves).
	Storage *StorageConfig `json:"storage,omitempty"`

	// Diag optionally serves /healthz, /statusz and pprof endpoints.
	Diag *DiagConfig `json:"diag,omitempty"`

	// Timers are declarative schedules registered at startup and re-applied
	// on config reload.
	Timers []TimerDef `json:"timers,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console bool       `json:"console,omitempty"`
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// EngineConfig controls the callback worker pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type TimerConfig struct {
	// DropWarnPerSec bounds "queue full" warnings; 0 means 1/s.
	DropWarnPerSec int `json:"drop_warn_per_sec,omitempty"`
}

// StorageConfig selects the fire-history backend.
//
// Driver values: "none" (default), "file", "sqlite".
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DiagConfig controls the diagnostics HTTP server.
//
// Binding to a non-loopback address requires a token unless allow_insecure
// is set.
type DiagConfig struct {
	Enabled       bool   `json:"enabled,omitempty"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}

// TimerDef declares one timer in config.
//
// Schedule accepts the forms understood by timer.ParseSchedule: a cron spec
// ("*/5 * * * *", "@hourly"), a duration ("30s"), or a prefixed form
// ("cron:...", "interval:...").
type TimerDef struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`

	// Message is logged when the timer fires; a definition with no message
	// still fires (useful as a heartbeat).
	Message string `json:"message,omitempty"`

	// Once makes the schedule a one-shot delay instead of a repeating
	// interval (interval schedules only).
	Once bool `json:"once,omitempty"`
}
