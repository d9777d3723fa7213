// ABOUTME: CLI configuration: YAML file, PLANRUN_* environment overrides, then flags.
// ABOUTME: Produces the engine retry policy, breaker options, watchdog settings and checkpoint store URL.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/2389-research/planrun/engine"
	"github.com/2389-research/planrun/internal/env"
	perrors "github.com/2389-research/planrun/internal/errors"
	"github.com/2389-research/planrun/internal/log"
	"gopkg.in/yaml.v3"
)

// Config is the merged CLI configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// Store is a checkpoint store URL; see checkpoint.Open. Empty disables checkpoints.
	Store       string `yaml:"store"`
	Isolation   bool   `yaml:"isolation"`
	ProgressDir string `yaml:"progress_dir"`
	ServeAddr   string `yaml:"serve_addr"`
	// PauseBefore applies to runs that do not pass --pause-before.
	PauseBefore []string       `yaml:"pause_before"`
	Retry       RetryConfig    `yaml:"retry"`
	Breaker     BreakerConfig  `yaml:"breaker"`
	Watchdog    WatchdogConfig `yaml:"watchdog"`
}

// RetryConfig is the default policy for operations without a plan override.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	BackoffBase   float64       `yaml:"backoff_base"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        bool          `yaml:"jitter"`
	MaxDelay      time.Duration `yaml:"max_delay"`
}

// BreakerConfig tunes circuit breaker counters.
type BreakerConfig struct {
	ResetOnClose bool `yaml:"reset_on_close"`
	AggregateOp  bool `yaml:"aggregate_op"`
}

// Options converts the config into engine breaker options.
func (b BreakerConfig) Options() engine.BreakerOptions {
	return engine.BreakerOptions{ResetOnClose: b.ResetOnClose, AggregateOp: b.AggregateOp}
}

// WatchdogConfig tunes stall warnings. A zero StallTimeout disables the watchdog.
type WatchdogConfig struct {
	StallTimeout  time.Duration `yaml:"stall_timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// DefaultConfig keeps checkpoints as files under dataDir.
func DefaultConfig(dataDir string) Config {
	def := engine.DefaultRetryPolicy()
	wd := engine.DefaultWatchdogConfig()
	cfg := Config{
		LogLevel:  "info",
		LogFormat: "text",
		Isolation: true,
		ServeAddr: "127.0.0.1:2390",
		Retry:     RetryConfig{BackoffBase: def.BackoffBase, BackoffFactor: def.BackoffFactor},
		Watchdog:  WatchdogConfig{StallTimeout: wd.StallTimeout, CheckInterval: wd.CheckInterval},
	}
	if dataDir != "" {
		cfg.Store = "file://" + filepath.Join(dataDir, "checkpoints")
	}
	return cfg
}

// LoadConfig reads path over the defaults and applies environment overrides.
// A missing file is fine unless the caller named it explicitly.
func LoadConfig(path string, explicit bool, dataDir string) (Config, error) {
	cfg := DefaultConfig(dataDir)
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, perrors.Wrap(perrors.CodeConfigInvalid, "config file "+path+" is invalid", err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return Config{}, perrors.Wrap(perrors.CodeConfigInvalid, "cannot read config file "+path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, perrors.Wrap(perrors.CodeConfigInvalid, "invalid environment override", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, perrors.Wrap(perrors.CodeConfigInvalid, "invalid configuration", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.LogLevel = env.String("PLANRUN_LOG_LEVEL", c.LogLevel)
	c.LogFormat = env.String("PLANRUN_LOG_FORMAT", c.LogFormat)
	c.Store = env.String("PLANRUN_STORE", c.Store)
	c.ProgressDir = env.String("PLANRUN_PROGRESS_DIR", c.ProgressDir)
	c.ServeAddr = env.String("PLANRUN_SERVE_ADDR", c.ServeAddr)
	c.PauseBefore = env.List("PLANRUN_PAUSE_BEFORE", c.PauseBefore)

	var err error
	if c.Isolation, err = env.Bool("PLANRUN_ISOLATION", c.Isolation); err != nil {
		return err
	}
	if c.Retry.MaxRetries, err = env.Int("PLANRUN_MAX_RETRIES", c.Retry.MaxRetries); err != nil {
		return err
	}
	if c.Retry.Jitter, err = env.Bool("PLANRUN_RETRY_JITTER", c.Retry.Jitter); err != nil {
		return err
	}
	if c.Breaker.ResetOnClose, err = env.Bool("PLANRUN_BREAKER_RESET_ON_CLOSE", c.Breaker.ResetOnClose); err != nil {
		return err
	}
	if c.Breaker.AggregateOp, err = env.Bool("PLANRUN_BREAKER_AGGREGATE_OP", c.Breaker.AggregateOp); err != nil {
		return err
	}
	if c.Watchdog.StallTimeout, err = env.Duration("PLANRUN_STALL_TIMEOUT", c.Watchdog.StallTimeout); err != nil {
		return err
	}

	switch c.Store {
	case "postgres":
		c.Store = env.String("PLANRUN_DATABASE_URL", "")
		if c.Store == "" {
			return errors.New("PLANRUN_STORE=postgres needs PLANRUN_DATABASE_URL")
		}
	case "s3":
		store, err := s3URLFromEnv()
		if err != nil {
			return err
		}
		c.Store = store
	}
	return nil
}

// s3URLFromEnv assembles an s3:// store URL from PLANRUN_S3_* variables.
func s3URLFromEnv() (string, error) {
	endpoint := env.String("PLANRUN_S3_ENDPOINT", "")
	bucket := env.String("PLANRUN_S3_BUCKET", "")
	if endpoint == "" || bucket == "" {
		return "", errors.New("PLANRUN_STORE=s3 needs PLANRUN_S3_ENDPOINT and PLANRUN_S3_BUCKET")
	}
	useSSL, err := env.Bool("PLANRUN_S3_USE_SSL", true)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "s3", Host: endpoint, Path: "/" + bucket}
	if prefix := env.String("PLANRUN_S3_PREFIX", ""); prefix != "" {
		u.Path += "/" + prefix
	}
	if access := env.String("PLANRUN_S3_ACCESS_KEY", ""); access != "" {
		u.User = url.UserPassword(access, env.String("PLANRUN_S3_SECRET_KEY", ""))
	}
	q := url.Values{}
	q.Set("ssl", fmt.Sprint(useSSL))
	if region := env.String("PLANRUN_S3_REGION", ""); region != "" {
		q.Set("region", region)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffBase < 0 || c.Retry.BackoffFactor < 0 {
		return errors.New("retry backoff values must be >= 0")
	}
	if c.Watchdog.StallTimeout > 0 && c.Watchdog.CheckInterval <= 0 {
		return errors.New("watchdog.check_interval must be positive when stall_timeout is set")
	}
	return nil
}

// RetryPolicy converts the retry section. MaxRetries is clamped by the engine.
func (c Config) RetryPolicy() engine.RetryPolicy {
	p := engine.DefaultRetryPolicy()
	p.MaxRetries = min(c.Retry.MaxRetries, engine.MaxRetriesLimit)
	if c.Retry.BackoffBase > 0 {
		p.BackoffBase = c.Retry.BackoffBase
	}
	p.BackoffFactor = c.Retry.BackoffFactor
	p.Jitter = c.Retry.Jitter
	p.MaxDelay = c.Retry.MaxDelay
	return p
}

// LogConfig converts the logging fields.
func (c Config) LogConfig() log.Config {
	cfg := log.DefaultConfig()
	cfg.Level = log.ParseLevel(c.LogLevel)
	cfg.Format = log.ParseFormat(c.LogFormat)
	return cfg
}
