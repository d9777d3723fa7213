// ABOUTME: Durable checkpoint stores for the engine: filesystem, SQLite, Postgres and S3-compatible.
// ABOUTME: Every store implements engine.Checkpointer plus listing and deletion of saved snapshots.
package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/2389-research/planrun/engine"
	"github.com/oklog/ulid/v2"
)

// Entry describes one saved snapshot without its payload.
type Entry struct {
	Token      string    `json:"token"`
	RunID      string    `json:"run_id"`
	PlanDigest string    `json:"plan_digest"`
	SavedAt    time.Time `json:"saved_at"`
}

// Store is a Checkpointer that can also enumerate and remove snapshots.
type Store interface {
	engine.Checkpointer
	// List returns entries newest first.
	List(ctx context.Context) ([]Entry, error)
	Delete(ctx context.Context, token string) error
	Close() error
}

// savedAtLayout sorts lexically in the same order as time for UTC values.
const savedAtLayout = "2006-01-02T15:04:05.000000000Z"

func entryFor(token string, snap *engine.Snapshot) Entry {
	return Entry{Token: token, RunID: snap.RunID, PlanDigest: snap.PlanDigest, SavedAt: snap.SavedAt.UTC()}
}

// checkToken rejects anything that is not a token this package handed out.
// Stores use tokens as file names and object keys.
func checkToken(token string) error {
	if _, err := ulid.ParseStrict(token); err != nil {
		return fmt.Errorf("%w: %q", engine.ErrCheckpointNotFound, token)
	}
	return nil
}

func notFound(token string) error {
	return fmt.Errorf("%w: %s", engine.ErrCheckpointNotFound, token)
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].SavedAt.Equal(entries[j].SavedAt) {
			return entries[i].SavedAt.After(entries[j].SavedAt)
		}
		return entries[i].Token > entries[j].Token
	})
}
