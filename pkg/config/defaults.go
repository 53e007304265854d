package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittosdb/pkg/adapter/sdb"
)

const (
	// DefaultSDBPort is the TCP port the adapter listens on by default.
	DefaultSDBPort = 4242

	// DefaultMetricsPort is the default admin HTTP port.
	DefaultMetricsPort = 9090

	// DefaultMaxReadSize keeps a read reply within one default-sized
	// protocol message.
	DefaultMaxReadSize = 16 << 20
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Store-specific defaults are handled by store implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyStorageDefaults(&cfg.Storage)
	applyQuotaDefaults(&cfg.Quota, &cfg.Storage)
	applyMetricsDefaults(&cfg.Metrics)
	applyAdaptersDefaults(&cfg.Adapters)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.Enabled == nil {
		enabled := true
		cfg.Enabled = &enabled
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/tmp/dittosdb"
	}
	if cfg.MaxReadSize == 0 {
		cfg.MaxReadSize = DefaultMaxReadSize
	}
}

// applyQuotaDefaults defaults to the in-memory usage store. A badger store
// without a path keeps its database next to the storage root.
func applyQuotaDefaults(cfg *QuotaConfig, storage *StorageConfig) {
	if cfg.UsageStore.Type == "" {
		cfg.UsageStore.Type = "memory"
	}
	if cfg.UsageStore.Memory == nil {
		cfg.UsageStore.Memory = make(map[string]any)
	}

	if cfg.UsageStore.Type == "badger" {
		if cfg.UsageStore.Badger == nil {
			cfg.UsageStore.Badger = make(map[string]any)
		}
		if _, ok := cfg.UsageStore.Badger["db_path"]; !ok {
			cfg.UsageStore.Badger["db_path"] = filepath.Join(filepath.Dir(filepath.Clean(storage.BasePath)), "dittosdb-usage")
		}
	}

	if cfg.ShutdownPollInterval == 0 {
		cfg.ShutdownPollInterval = 10 * time.Millisecond
	}

	cfg.GC.ApplyDefaults()
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

// applyAdaptersDefaults enables the SDB adapter when it has not been
// configured at all, so a config loaded without a file still validates.
// An explicit "enabled: false" together with a port is preserved.
func applyAdaptersDefaults(cfg *AdaptersConfig) {
	if !cfg.SDB.Enabled && cfg.SDB.Port == 0 {
		cfg.SDB.Enabled = true
	}

	applySDBDefaults(&cfg.SDB)
}

func applySDBDefaults(cfg *sdb.SDBConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultSDBPort
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.MetricsLogInterval == 0 {
		cfg.MetricsLogInterval = 5 * time.Minute
	}

	// Timeouts, message size and queue depth.
	cfg.ApplyDefaults()
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Adapters: AdaptersConfig{
			SDB: sdb.SDBConfig{Enabled: true},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
