package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	// DB
	Env    string `yaml:"env"`     // "dev" | "prod"
	DBPath string `yaml:"db_path"` // e.g. "./data/fieldpunch.db"

	// Remote authority
	RemoteURL        string `yaml:"remote_url"`
	RemoteTimeoutSec int    `yaml:"remote_timeout_sec"`

	// Sync worker
	SyncPollIntervalSec int `yaml:"sync_poll_interval_sec"`
	ProbeIntervalSec    int `yaml:"probe_interval_sec"` // 0 = connectivity is report-only

	// Session retention
	RetentionDays        int `yaml:"retention_days"` // 0 = keep forever
	ArchiveIntervalHours int `yaml:"archive_interval_hours"`
}

// FromEnv builds the agent configuration from FIELDPUNCH_* environment
// variables, optionally overlaid with a YAML file named by
// FIELDPUNCH_CONFIG_FILE. File values win over env values so a deployed
// device can pin its setup without editing unit files.
func FromEnv() (Config, error) {
	cfg := Config{
		HTTPAddr: getenvDefault("FIELDPUNCH_HTTP_ADDR", "127.0.0.1:8090"),

		Env:    strings.ToLower(getenvDefault("FIELDPUNCH_ENV", "dev")),
		DBPath: getenvDefault("FIELDPUNCH_DB_PATH", "./data/fieldpunch.db"),

		RemoteURL:        getenvDefault("FIELDPUNCH_REMOTE_URL", "http://localhost:9090"),
		RemoteTimeoutSec: getenvInt("FIELDPUNCH_REMOTE_TIMEOUT_SEC", 10),

		SyncPollIntervalSec: getenvInt("FIELDPUNCH_SYNC_POLL_INTERVAL_SEC", 30),
		ProbeIntervalSec:    getenvInt("FIELDPUNCH_PROBE_INTERVAL_SEC", 0),

		RetentionDays:        getenvInt("FIELDPUNCH_RETENTION_DAYS", 90),
		ArchiveIntervalHours: getenvInt("FIELDPUNCH_ARCHIVE_INTERVAL_HOURS", 6),
	}

	if path := strings.TrimSpace(os.Getenv("FIELDPUNCH_CONFIG_FILE")); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if cfg.Env != "dev" && cfg.Env != "prod" {
		// fail-soft: treat unknown as dev
		cfg.Env = "dev"
	}

	return cfg, nil
}

func (c Config) RemoteTimeout() time.Duration {
	return time.Duration(c.RemoteTimeoutSec) * time.Second
}

func (c Config) SyncPollInterval() time.Duration {
	return time.Duration(c.SyncPollIntervalSec) * time.Second
}

func (c Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSec) * time.Second
}

func overlayFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
