package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// StorageMode controls how aggressively credential writes are mirrored to
// the secondary backend.
type StorageMode string

const (
	// StorageModeFile treats the file store as the only durable copy and
	// mirrors intelligently: when the secondary degrades, only the
	// credential record keeps replicating.
	StorageModeFile StorageMode = "file"

	// StorageModeSecondary treats the secondary as a full mirror: every
	// record is always replicated regardless of health.
	StorageModeSecondary StorageMode = "secondary"
)

// Config holds all environment-based configuration for the session core.
type Config struct {
	// Storage layout.
	SessionsDir     string      `env:"SESSIONS_DIR" envDefault:""`
	MetadataDBPath  string      `env:"METADATA_DB_PATH" envDefault:""`
	StorageMode     StorageMode `env:"STORAGE_MODE" envDefault:"file"`
	SecondaryDBPath string      `env:"SECONDARY_DB_PATH" envDefault:""`

	// Session limits.
	MaxConcurrentSessions int `env:"MAX_CONCURRENT_SESSIONS" envDefault:"50"`

	// Reconnection policy.
	ReconnectBackoffBase time.Duration `env:"RECONNECT_BACKOFF_BASE" envDefault:"3s"`
	ReconnectBackoffMax  time.Duration `env:"RECONNECT_BACKOFF_MAX" envDefault:"5m"`

	// Decryption recovery.
	DecryptResetCooldown    time.Duration `env:"DECRYPT_RESET_COOLDOWN" envDefault:"5m"`
	DecryptResetMaxAttempts int           `env:"DECRYPT_RESET_MAX_ATTEMPTS" envDefault:"3"`

	// Secondary health thresholds. Source-chosen heuristics, deliberately
	// configurable rather than hard-coded.
	ReplicationFailThreshold int `env:"REPLICATION_FAIL_THRESHOLD" envDefault:"3"`
	ReplicationHealThreshold int `env:"REPLICATION_HEAL_THRESHOLD" envDefault:"1"`

	// Gateway the transport adapter dials.
	GatewayURL string `env:"GATEWAY_URL" envDefault:""`

	// Optional YAML file overriding the built-in disconnect classification
	// table. Empty means built-ins only.
	ClassificationFile string `env:"CLASSIFICATION_FILE" envDefault:""`

	// Prometheus listen address. Empty disables the metrics endpoint.
	MetricsListenAddr string `env:"METRICS_LISTEN_ADDR" envDefault:""`

	// Environment controls log format; LogLevel the verbosity.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
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

	if cfg.SessionsDir == "" {
		cfg.SessionsDir = filepath.Join(defaultDataDir(), "sessions")
	}

	if cfg.MetadataDBPath == "" {
		cfg.MetadataDBPath = filepath.Join(defaultDataDir(), "metadata.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve SessionsDir to an absolute path at startup. The credential
	// store builds per-session paths by joining validated names onto it
	// (names containing separators or leading dots are rejected), so the
	// root itself must stay stable across working-directory changes.
	absDir, err := filepath.Abs(cfg.SessionsDir)
	if err != nil {
		return nil, fmt.Errorf("resolving sessions dir to absolute path: %w", err)
	}
	cfg.SessionsDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StorageMode {
	case StorageModeFile, StorageModeSecondary:
	default:
		return fmt.Errorf("STORAGE_MODE must be %q or %q, got %q",
			StorageModeFile, StorageModeSecondary, c.StorageMode)
	}

	if c.StorageMode == StorageModeSecondary && c.SecondaryDBPath == "" {
		return fmt.Errorf("SECONDARY_DB_PATH is required when STORAGE_MODE=%q", StorageModeSecondary)
	}

	if c.MaxConcurrentSessions < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SESSIONS must be at least 1, got %d", c.MaxConcurrentSessions)
	}

	if c.ReconnectBackoffBase <= 0 {
		return fmt.Errorf("RECONNECT_BACKOFF_BASE must be positive, got %s", c.ReconnectBackoffBase)
	}

	if c.ReconnectBackoffMax < c.ReconnectBackoffBase {
		return fmt.Errorf("RECONNECT_BACKOFF_MAX (%s) must not be below RECONNECT_BACKOFF_BASE (%s)",
			c.ReconnectBackoffMax, c.ReconnectBackoffBase)
	}

	if c.DecryptResetMaxAttempts < 1 {
		return fmt.Errorf("DECRYPT_RESET_MAX_ATTEMPTS must be at least 1, got %d", c.DecryptResetMaxAttempts)
	}

	if c.ReplicationFailThreshold < 1 || c.ReplicationHealThreshold < 1 {
		return fmt.Errorf("replication health thresholds must be at least 1 (fail=%d heal=%d)",
			c.ReplicationFailThreshold, c.ReplicationHealThreshold)
	}

	return nil
}

// SecondaryConfigured reports whether a secondary backend should be opened.
func (c *Config) SecondaryConfigured() bool {
	return c.SecondaryDBPath != ""
}

func defaultDataDir() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current directory
		// where credential material might end up with wrong permissions or
		// inside a source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".nexusbot")
}
