// Package config loads the sync agent's configuration from a YAML file
// with environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all sync agent configuration.
type Config struct {
	// Merge endpoint base URL, e.g. https://sync.example.com
	ServerURL string `yaml:"serverUrl"`

	// Tenant this device syncs against.
	TenantID string `yaml:"tenantId"`

	// Bearer token for the merge endpoint. Overridden by FIELDSYNC_TOKEN.
	Token string `yaml:"token"`

	// Path of the device database (operation log, blob queue, read model).
	DataPath string `yaml:"dataPath"`

	// Cron spec for the periodic sync trigger (default "@every 5m").
	SyncSchedule string `yaml:"syncSchedule"`

	// Max operations per push batch (default 100, hard cap 100).
	BatchSize int `yaml:"batchSize"`

	// Blob upload chunk size in bytes (default 1 MiB).
	ChunkSize int64 `yaml:"chunkSize"`

	// Blob retry ceiling before a task needs manual retry (default 3).
	BlobMaxRetries int `yaml:"blobMaxRetries"`

	// Address of the local status endpoint (default 127.0.0.1:7633).
	StatusAddr string `yaml:"statusAddr"`

	// Backoff tuning for failed queue entries.
	BackoffBase time.Duration `yaml:"backoffBase"`
	BackoffCap  time.Duration `yaml:"backoffCap"`
}

// Load reads and validates the agent configuration.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if tok := os.Getenv("FIELDSYNC_TOKEN"); tok != "" {
		cfg.Token = tok
	}

	cfg.applyDefaults()

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("serverUrl is required")
	}
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("tenantId is required")
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataPath == "" {
		c.DataPath = "fieldsync.db"
	}
	if c.SyncSchedule == "" {
		c.SyncSchedule = "@every 5m"
	}
	if c.BatchSize <= 0 || c.BatchSize > 100 {
		c.BatchSize = 100
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 1 << 20
	}
	if c.BlobMaxRetries <= 0 {
		c.BlobMaxRetries = 3
	}
	if c.StatusAddr == "" {
		c.StatusAddr = "127.0.0.1:7633"
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 5 * time.Minute
	}
}
