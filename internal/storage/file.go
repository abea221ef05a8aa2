package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "tickd/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// It keeps one append-only JSON Lines file of fire records. Reads scan the
// file; history files are small enough that this is fine.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, path: path, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendFire(ctx context.Context, r FireRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("history file closed")
	}
	return json.NewEncoder(s.f).Encode(r)
}

// RecentFires returns up to limit most recent records, newest first.
func (s *fileStore) RecentFires(ctx context.Context, limit int) ([]FireRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	path := s.path
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	// Ring of the last `limit` records.
	ring := make([]FireRecord, 0, limit)
	next := 0
	full := false

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r FireRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if !full {
			ring = append(ring, r)
			if len(ring) == limit {
				full = true
			}
			continue
		}
		ring[next] = r
		next = (next + 1) % limit
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// Reassemble newest-first.
	out := make([]FireRecord, 0, len(ring))
	if full {
		for i := 0; i < limit; i++ {
			out = append(out, ring[(next+limit-1-i)%limit])
		}
	} else {
		for i := len(ring) - 1; i >= 0; i-- {
			out = append(out, ring[i])
		}
	}
	return out, nil
}
