// ABOUTME: Filesystem checkpoint store: one JSON snapshot per token under a directory.
// ABOUTME: Writes go through a temp file and rename so a crash never leaves a torn snapshot.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/2389-research/planrun/engine"
)

var _ Store = (*FSStore)(nil)

// FSStore keeps snapshots as <dir>/<token>.json.
type FSStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFSStore creates dir if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

// Dir returns the directory snapshots are written to.
func (s *FSStore) Dir() string { return s.dir }

func (s *FSStore) path(token string) string {
	return filepath.Join(s.dir, token+".json")
}

// Save writes snap under a fresh token.
func (s *FSStore) Save(ctx context.Context, snap *engine.Snapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := engine.EncodeSnapshot(snap)
	if err != nil {
		return "", err
	}
	token := engine.NewToken()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeFileAtomic(s.path(token), data); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	return token, nil
}

// Load reads the snapshot saved under token.
func (s *FSStore) Load(ctx context.Context, token string) (*engine.Snapshot, error) {
	if err := checkToken(token); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, err := os.ReadFile(s.path(token))
	s.mu.RUnlock()
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(token)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return engine.DecodeSnapshot(data)
}

// List scans the directory. Files that fail to parse are skipped.
func (s *FSStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var entries []Entry
	for _, de := range dirents {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		token := strings.TrimSuffix(name, ".json")
		if checkToken(token) != nil {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			continue
		}
		var snap engine.Snapshot
		if json.Unmarshal(data, &snap) != nil {
			continue
		}
		entries = append(entries, entryFor(token, &snap))
	}
	sortEntries(entries)
	return entries, nil
}

// Delete removes the snapshot saved under token.
func (s *FSStore) Delete(_ context.Context, token string) error {
	if err := checkToken(token); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path(token))
	if errors.Is(err, fs.ErrNotExist) {
		return notFound(token)
	}
	return err
}

// Close is a no-op.
func (s *FSStore) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
