package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for gatesync.
type Config struct {
	// Central sync server base URL (required).
	ServerURL string `env:"SERVER_URL"`

	// Optional WebSocket URL for server change hints. Empty disables
	// the feed; the periodic timer and reconnect probing still drive
	// syncs.
	EventsURL string `env:"EVENTS_URL" envDefault:""`

	// Path of the local bbolt database. Defaults to
	// ~/.gatesync/state.db.
	StatePath string `env:"STATE_PATH" envDefault:""`

	// Directory watched for attachment uploads. Empty disables the
	// outbox.
	OutboxDir string `env:"OUTBOX_DIR" envDefault:""`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// Sync cycle tuning.
	SyncInterval  time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`
	ProbeInterval time.Duration `env:"PROBE_INTERVAL" envDefault:"30s"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"50"`
	PushBudget    int           `env:"PUSH_BUDGET" envDefault:"10"`
	ErrorCooldown time.Duration `env:"ERROR_COOLDOWN" envDefault:"30s"`

	// Retry policy for queued operations.
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"8"`
	BackoffBase time.Duration `env:"BACKOFF_BASE" envDefault:"2s"`
	BackoffMax  time.Duration `env:"BACKOFF_MAX" envDefault:"5m"`

	// Per-request HTTP timeout.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`

	// AutoResolveConflicts enables the automatic reconcile pass.
	// Disable to route every conflict through manual resolution.
	AutoResolveConflicts bool `env:"AUTO_RESOLVE_CONFLICTS" envDefault:"true"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "gatesync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StatePath == "" {
		path, err := defaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = path
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.OutboxDir != "" {
		absDir, err := filepath.Abs(cfg.OutboxDir)
		if err != nil {
			return nil, fmt.Errorf("resolving outbox dir to absolute path: %w", err)
		}

		cfg.OutboxDir = absDir
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	c.ServerURL = strings.TrimRight(c.ServerURL, "/")

	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive")
	}

	if c.PushBudget <= 0 {
		return fmt.Errorf("PUSH_BUDGET must be positive")
	}

	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive")
	}

	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff range invalid: base %s, max %s", c.BackoffBase, c.BackoffMax)
	}

	if c.SyncInterval <= 0 {
		return fmt.Errorf("SYNC_INTERVAL must be positive")
	}

	return nil
}

// defaultStatePath returns ~/.gatesync/state.db.
func defaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".gatesync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
