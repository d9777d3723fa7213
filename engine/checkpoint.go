// ABOUTME: Checkpoint snapshots of a run and the Checkpointer contract stores implement.
// ABOUTME: Includes the JSON codec every store shares and an in-memory checkpointer.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SnapshotVersion is bumped when the snapshot layout changes incompatibly.
const SnapshotVersion = 1

var (
	// ErrCheckpointNotFound is returned by Load for an unknown token.
	ErrCheckpointNotFound = errors.New("engine: checkpoint not found")
	// ErrPlanMismatch is returned by Resume when the plan differs from the one snapshotted.
	ErrPlanMismatch = errors.New("engine: plan does not match checkpoint")
)

// Snapshot is a point-in-time copy of a run between steps.
type Snapshot struct {
	Version    int             `json:"version"`
	RunID      string          `json:"run_id"`
	PlanDigest string          `json:"plan_digest"`
	Plan       *Plan           `json:"plan,omitempty"`
	State      *ExecutionState `json:"state"`
	Results    map[string]any  `json:"results"`
	SavedAt    time.Time       `json:"saved_at"`
}

// NewSnapshot deep-copies state and results.
func NewSnapshot(plan *Plan, state *ExecutionState, results map[string]any, now time.Time) *Snapshot {
	return &Snapshot{
		Version:    SnapshotVersion,
		RunID:      state.RunID,
		PlanDigest: plan.Digest(),
		Plan:       plan,
		State:      state.Clone(),
		Results:    maps.Clone(results),
		SavedAt:    now.UTC(),
	}
}

// Checkpointer persists snapshots and hands back opaque tokens.
type Checkpointer interface {
	Save(ctx context.Context, snap *Snapshot) (string, error)
	Load(ctx context.Context, token string) (*Snapshot, error)
}

// NewToken returns a time-sortable checkpoint token.
func NewToken() string {
	return ulid.Make().String()
}

// EncodeSnapshot is the wire form stores persist.
func EncodeSnapshot(snap *Snapshot) ([]byte, error) {
	return json.MarshalIndent(snap, "", "  ")
}

// DecodeSnapshot parses EncodeSnapshot output.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.Version > SnapshotVersion {
		return nil, fmt.Errorf("decode snapshot: version %d is newer than supported %d", snap.Version, SnapshotVersion)
	}
	if snap.State == nil {
		snap.State = NewExecutionState()
	}
	snap.State.ensure()
	if snap.Results == nil {
		snap.Results = make(map[string]any)
	}
	return &snap, nil
}

// MemoryCheckpointer keeps encoded snapshots in memory.
type MemoryCheckpointer struct {
	mu    sync.RWMutex
	snaps map[string][]byte
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{snaps: make(map[string][]byte)}
}

// Save stores an encoded copy of snap.
func (m *MemoryCheckpointer) Save(_ context.Context, snap *Snapshot) (string, error) {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return "", err
	}
	token := NewToken()
	m.mu.Lock()
	m.snaps[token] = data
	m.mu.Unlock()
	return token, nil
}

// Load decodes the snapshot saved under token.
func (m *MemoryCheckpointer) Load(_ context.Context, token string) (*Snapshot, error) {
	m.mu.RLock()
	data, ok := m.snaps[token]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, token)
	}
	return DecodeSnapshot(data)
}

var _ Checkpointer = (*MemoryCheckpointer)(nil)
