package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: DEBUG
  console: true
engine:
  workers: 4
  queue_size: 128
  default_timeout: 5s
timers:
  - name: heartbeat
    schedule: 30s
    message: still alive
  - name: nightly
    schedule: "0 3 * * *"
`)

	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Engine.Workers != 4 || cfg.Engine.QueueSize != 128 {
		t.Fatalf("engine = %+v", cfg.Engine)
	}
	if len(cfg.Timers) != 2 || cfg.Timers[0].Name != "heartbeat" || cfg.Timers[1].Schedule != "0 3 * * *" {
		t.Fatalf("timers = %+v", cfg.Timers)
	}
	if got := m.Get(); got != cfg {
		t.Fatalf("Get returned a different config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.yaml", `
logging:
  level: INFO
bogus_section:
  x: 1
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "config.json", `{"engine":{"workers":1}}`)
	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Engine.Workers != 1 {
		t.Fatalf("workers = %d", cfg.Engine.Workers)
	}
}

func TestSubscribeDeliversLatest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a := &Config{}
	b := &Config{}
	m.publish(a)
	m.publish(b) // drops a, delivers b

	select {
	case got := <-ch:
		if got != b {
			// a may arrive first when the buffer had room
			got = <-ch
			if got != b {
				t.Fatalf("latest config not delivered")
			}
		}
	case <-time.After(time.Second):
		t.Fatalf("no config delivered")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "500ms"); err != nil || d != 500*time.Millisecond {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatalf("expected error for negative duration")
	}
	if _, err := ParseDurationField("x", "nope"); err == nil {
		t.Fatalf("expected error for garbage")
	}
}
