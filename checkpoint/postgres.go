// ABOUTME: Postgres checkpoint store using the pgx stdlib driver.
// ABOUTME: Pool sizing and ping timeout come from PostgresConfig, loadable from PLANRUN_DATABASE_* env vars.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/2389-research/planrun/internal/env"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var _ Store = (*PostgresStore)(nil)

// PostgresConfig configures the connection pool.
type PostgresConfig struct {
	URL             string
	PingTimeout     time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPostgresConfig returns pool defaults for url.
func DefaultPostgresConfig(url string) PostgresConfig {
	return PostgresConfig{
		URL:             url,
		PingTimeout:     2 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// PostgresConfigFromEnv reads PLANRUN_DATABASE_URL and the pool knobs.
func PostgresConfigFromEnv() (PostgresConfig, error) {
	cfg, err := postgresPoolFromEnv(env.String("PLANRUN_DATABASE_URL", ""))
	if err != nil {
		return PostgresConfig{}, err
	}
	return cfg, cfg.Validate()
}

// postgresPoolFromEnv applies the PLANRUN_DATABASE_* pool knobs to url.
func postgresPoolFromEnv(url string) (PostgresConfig, error) {
	cfg := DefaultPostgresConfig(url)
	var err error
	if cfg.PingTimeout, err = env.Duration("PLANRUN_DATABASE_PING_TIMEOUT", cfg.PingTimeout); err != nil {
		return PostgresConfig{}, err
	}
	if cfg.MaxOpenConns, err = env.Int("PLANRUN_DATABASE_MAX_OPEN_CONNS", cfg.MaxOpenConns); err != nil {
		return PostgresConfig{}, err
	}
	if cfg.MaxIdleConns, err = env.Int("PLANRUN_DATABASE_MAX_IDLE_CONNS", cfg.MaxIdleConns); err != nil {
		return PostgresConfig{}, err
	}
	if cfg.ConnMaxLifetime, err = env.Duration("PLANRUN_DATABASE_CONN_MAX_LIFETIME", cfg.ConnMaxLifetime); err != nil {
		return PostgresConfig{}, err
	}
	return cfg, nil
}

// Validate checks the pool settings.
func (c PostgresConfig) Validate() error {
	switch {
	case c.URL == "":
		return errors.New("postgres url is required")
	case c.PingTimeout <= 0:
		return errors.New("postgres ping timeout must be positive")
	case c.MaxOpenConns < 1:
		return errors.New("postgres max open conns must be >= 1")
	case c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns:
		return errors.New("postgres max idle conns must be between 0 and max open conns")
	case c.ConnMaxLifetime < 0:
		return errors.New("postgres conn max lifetime must be >= 0")
	}
	return nil
}

// PostgresStore keeps snapshots in a checkpoints table.
type PostgresStore struct {
	*sqlStore
}

// OpenPostgres connects, pings and migrates.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	store := &PostgresStore{&sqlStore{db: db, dollar: true}}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}
