package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/marmos91/dittosdb/pkg/adapter/sdb"
	"github.com/marmos91/dittosdb/pkg/gc"
	"github.com/spf13/viper"
)

// Config represents the complete DittoSDB configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (DITTOSDB_*)
//  3. Configuration file (YAML or TOML)
//  4. Default values (lowest priority)
//
// The usage store follows a type-specific pattern: Quota.UsageStore.Type
// selects an implementation and only the matching map is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Storage locates origin directories and tunes the storage core
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Quota configures usage accounting
	Quota QuotaConfig `mapstructure:"quota" yaml:"quota"`

	// Metrics configures Prometheus collection and the admin HTTP server
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Adapters contains protocol adapter configurations
	Adapters AdaptersConfig `mapstructure:"adapters" yaml:"adapters"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`

	// Rotation settings, used only when Output is a file path
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days" validate:"min=0"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout bounds the whole shutdown sequence: adapters,
	// storage client drain and the admin server.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`
}

// StorageConfig configures where and how databases are stored.
type StorageConfig struct {
	// Enabled is the storage switch. Opens fail with "unexpected" while it
	// is false. It can be flipped at runtime through the admin API.
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`

	// BasePath is the storage root. Origin directories live beneath it as
	// <persistence>/<origin>/sdb/<name>.sdb.
	BasePath string `mapstructure:"base_path" yaml:"base_path" validate:"required"`

	// MaxReadSize caps the size of a single Read request in bytes
	MaxReadSize uint64 `mapstructure:"max_read_size" yaml:"max_read_size" validate:"gt=0"`

	// OpenPause holds the I/O thread after every open. For testing only.
	OpenPause time.Duration `mapstructure:"open_pause" yaml:"open_pause" validate:"min=0"`
}

// IsEnabled returns the storage switch, treating unset as enabled.
func (c *StorageConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// QuotaConfig configures the quota manager.
type QuotaConfig struct {
	// UsageStore records per-origin usage
	UsageStore UsageStoreConfig `mapstructure:"usage_store" yaml:"usage_store"`

	// ShutdownPollInterval is how often shutdown checks whether storage
	// clients have drained
	ShutdownPollInterval time.Duration `mapstructure:"shutdown_poll_interval" yaml:"shutdown_poll_interval" validate:"min=0"`

	// GC periodically drops ledger entries of vanished origins and
	// refreshes the others
	GC gc.Config `mapstructure:"gc" yaml:"gc"`
}

// UsageStoreConfig selects the usage store implementation.
type UsageStoreConfig struct {
	// Type specifies which usage store implementation to use
	// Valid values: memory, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory badger"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory" yaml:"memory,omitempty"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`
}

// MetricsConfig configures metrics collection and the admin HTTP server,
// which serves /metrics alongside the admin routes.
type MetricsConfig struct {
	// Enabled turns on Prometheus collection
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the admin HTTP port
	Port int `mapstructure:"port" yaml:"port" validate:"min=0,max=65535"`
}

// AdaptersConfig contains all protocol adapter configurations.
type AdaptersConfig struct {
	// SDB contains the TCP adapter configuration.
	// Uses the sdb.SDBConfig type directly to avoid duplication.
	SDB sdb.SDBConfig `mapstructure:"sdb" yaml:"sdb"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Example: DITTOSDB_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOSDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// $XDG_CONFIG_HOME/dittosdb/config.{yaml,toml}
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittosdb")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittosdb")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
