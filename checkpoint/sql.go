// ABOUTME: Shared database/sql checkpoint table used by the SQLite and Postgres stores.
// ABOUTME: Queries are written with ? placeholders and rebound per dialect.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/2389-research/planrun/engine"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	token TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	plan_digest TEXT NOT NULL,
	saved_at TEXT NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS checkpoints_run_id ON checkpoints (run_id);`

// sqlStore implements Store over any database/sql driver.
type sqlStore struct {
	db *sql.DB
	// dollar selects $1-style placeholders.
	dollar bool
}

func (s *sqlStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *sqlStore) rebind(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Save(ctx context.Context, snap *engine.Snapshot) (string, error) {
	data, err := engine.EncodeSnapshot(snap)
	if err != nil {
		return "", err
	}
	token := engine.NewToken()
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO checkpoints (token, run_id, plan_digest, saved_at, payload) VALUES (?, ?, ?, ?, ?)`),
		token, snap.RunID, snap.PlanDigest, snap.SavedAt.UTC().Format(savedAtLayout), string(data),
	)
	if err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}
	return token, nil
}

func (s *sqlStore) Load(ctx context.Context, token string) (*engine.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM checkpoints WHERE token = ?`), token).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(token)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return engine.DecodeSnapshot([]byte(payload))
}

func (s *sqlStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, run_id, plan_digest, saved_at FROM checkpoints ORDER BY saved_at DESC, token DESC`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var savedAt string
		if err := rows.Scan(&e.Token, &e.RunID, &e.PlanDigest, &savedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if e.SavedAt, err = time.Parse(savedAtLayout, savedAt); err != nil {
			return nil, fmt.Errorf("checkpoint %s: saved_at: %w", e.Token, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *sqlStore) Delete(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM checkpoints WHERE token = ?`), token)
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound(token)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
