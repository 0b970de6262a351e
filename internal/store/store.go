// Package store provides the bundled reference CycleSink: crash-safe,
// append-only persistence of completed TradeCycles as one JSON file per
// cycle. It is wired only for local/dry-run observability — never
// required for correctness (§6 "Persisted state layout").
//
// Adapted from the teacher module's internal/store position store: same
// atomic write-to-.tmp-then-rename idiom and mutex-serialized file access,
// generalized from one row per market position to one row per TradeCycle.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"dumphedge/pkg/types"
)

// CycleSink is the append-only persistence boundary the engine writes
// completed cycles through. A persistence collaborator (relational store,
// backtest warehouse) is out of scope; Store is the bundled reference
// implementation.
type CycleSink interface {
	SaveCycle(cycle types.TradeCycle) error
}

// Store persists TradeCycles to JSON files in a designated directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory, creating it if
// necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveCycle atomically persists a TradeCycle as cycle_<id>.json. Writes go
// to a .tmp file first, then rename over the target, so a crash mid-write
// never leaves a corrupt file behind.
func (s *Store) SaveCycle(cycle types.TradeCycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(cycle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cycle: %w", err)
	}

	path := filepath.Join(s.dir, "cycle_"+cycle.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write cycle: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadCycle restores a previously persisted cycle by ID, for tests and
// operator inspection. Returns nil, nil if no record exists.
func (s *Store) LoadCycle(id string) (*types.TradeCycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, "cycle_"+id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read cycle: %w", err)
	}

	var cycle types.TradeCycle
	if err := json.Unmarshal(data, &cycle); err != nil {
		return nil, fmt.Errorf("unmarshal cycle: %w", err)
	}
	return &cycle, nil
}

// NoopSink discards every cycle. Used when persistence is disabled
// (cfg.Store.Enabled = false).
type NoopSink struct{}

func (NoopSink) SaveCycle(types.TradeCycle) error { return nil }
