package diag

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	logx "tickd/pkg/logx"
)

func startDiag(t *testing.T, cfg Config, status StatusFunc) (*Service, string, context.CancelFunc) {
	t.Helper()
	s := New(cfg, logx.Nop(), status)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("diag did not stop")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return s, addr, cancel
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("diag did not start")
	return nil, "", nil
}

func TestHealthz(t *testing.T) {
	_, addr, _ := startDiag(t, Config{Enabled: true, Addr: "127.0.0.1:0"}, nil)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestStatusz(t *testing.T) {
	status := func() any { return map[string]any{"active_timers": 3} }
	_, addr, _ := startDiag(t, Config{Enabled: true, Addr: "127.0.0.1:0"}, status)

	resp, err := http.Get(fmt.Sprintf("http://%s/statusz", addr))
	if err != nil {
		t.Fatalf("GET /statusz: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "active_timers") {
		t.Fatalf("statusz body missing payload: %s", body)
	}
}

func TestTokenAuth(t *testing.T) {
	_, addr, _ := startDiag(t, Config{Enabled: true, Addr: "127.0.0.1:0", Token: "s3cret"}, nil)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	resp, err = http.Get(fmt.Sprintf("http://%s/healthz?token=s3cret", addr))
	if err != nil {
		t.Fatalf("GET with token: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", resp.StatusCode)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop(), nil)
	if err := s.Run(context.Background()); err == nil {
		t.Fatalf("expected refusal for non-loopback bind without token")
	}
}
