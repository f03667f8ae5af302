// Package statestore persists crawl state between batch invocations, either
// to JSON files on disk or to a Redis hash.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ayauxd/website-crawler/internal/config"
	"github.com/ayauxd/website-crawler/internal/frontier"
)

// Store persists crawl state so batch jobs survive process restarts.
type Store interface {
	SaveState(ctx context.Context, state *frontier.State) error
	LoadState(ctx context.Context, jobID string) (*frontier.State, bool, error)
	SaveStats(ctx context.Context, stats *frontier.Stats) error
	List(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, jobID string) error
	Close() error
}

// Open builds the store selected by configuration. The file backend is the
// default.
func Open(cfg config.StateConfig, dir string) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(dir), nil
	case "redis":
		return NewRedisStore(cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// FileStore keeps one directory per job holding state.json and stats.json.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) statePath(jobID string) string {
	return filepath.Join(s.dir, jobID, "state.json")
}

func (s *FileStore) statsPath(jobID string) string {
	return filepath.Join(s.dir, jobID, "stats.json")
}

func (s *FileStore) SaveState(ctx context.Context, state *frontier.State) error {
	return s.writeJSON(s.statePath(state.JobID), state)
}

func (s *FileStore) LoadState(ctx context.Context, jobID string) (*frontier.State, bool, error) {
	raw, err := os.ReadFile(s.statePath(jobID))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read state file: %w", err)
	}
	var state frontier.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, false, fmt.Errorf("parse state file: %w", err)
	}
	return &state, true, nil
}

func (s *FileStore) SaveStats(ctx context.Context, stats *frontier.Stats) error {
	return s.writeJSON(s.statsPath(stats.JobID), stats)
}

// List returns the IDs of jobs that have a persisted state file.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}
	var jobs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(s.statePath(entry.Name())); err == nil {
			jobs = append(jobs, entry.Name())
		}
	}
	return jobs, nil
}

func (s *FileStore) Remove(ctx context.Context, jobID string) error {
	return os.RemoveAll(filepath.Join(s.dir, jobID))
}

func (s *FileStore) Close() error { return nil }

// writeJSON writes via a temp file and rename so a crash mid-write never
// leaves a truncated state file behind.
func (s *FileStore) writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
