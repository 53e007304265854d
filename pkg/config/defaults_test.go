package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dittosdb/pkg/adapter/sdb"
	"github.com/marmos91/dittosdb/pkg/gc"
	"github.com/stretchr/testify/assert"
)

func TestApplyDefaults_Logging(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(cfg)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	disabled := false
	cfg := &Config{
		Server:  ServerConfig{ShutdownTimeout: time.Minute},
		Storage: StorageConfig{Enabled: &disabled, BasePath: "/srv/sdb", MaxReadSize: 1024},
		Metrics: MetricsConfig{Port: 9100},
		Adapters: AdaptersConfig{SDB: sdb.SDBConfig{
			Enabled:     true,
			Port:        5000,
			IdleTimeout: time.Second,
		}},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, time.Minute, cfg.Server.ShutdownTimeout)
	assert.False(t, cfg.Storage.IsEnabled())
	assert.Equal(t, "/srv/sdb", cfg.Storage.BasePath)
	assert.Equal(t, uint64(1024), cfg.Storage.MaxReadSize)
	assert.Equal(t, 9100, cfg.Metrics.Port)
	assert.Equal(t, 5000, cfg.Adapters.SDB.Port)
	assert.Equal(t, time.Second, cfg.Adapters.SDB.IdleTimeout)
}

func TestApplyDefaults_SDBDisabledExplicitly(t *testing.T) {
	cfg := &Config{Adapters: AdaptersConfig{SDB: sdb.SDBConfig{Enabled: false, Port: 5000}}}
	ApplyDefaults(cfg)

	assert.False(t, cfg.Adapters.SDB.Enabled)
}

func TestApplyDefaults_SDBUnconfiguredIsEnabled(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.True(t, cfg.Adapters.SDB.Enabled)
	assert.Equal(t, DefaultSDBPort, cfg.Adapters.SDB.Port)
	assert.Equal(t, 30*time.Second, cfg.Adapters.SDB.ShutdownTimeout)
	assert.Equal(t, 64, cfg.Adapters.SDB.OutboundQueue)
}

func TestApplyDefaults_BadgerPath(t *testing.T) {
	cfg := &Config{
		Storage: StorageConfig{BasePath: "/data/sdb"},
		Quota:   QuotaConfig{UsageStore: UsageStoreConfig{Type: "badger"}},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, filepath.Join("/data", "dittosdb-usage"), cfg.Quota.UsageStore.Badger["db_path"])

	cfg = &Config{
		Quota: QuotaConfig{UsageStore: UsageStoreConfig{
			Type:   "badger",
			Badger: map[string]any{"db_path": "/elsewhere"},
		}},
	}
	ApplyDefaults(cfg)

	assert.Equal(t, "/elsewhere", cfg.Quota.UsageStore.Badger["db_path"])
}

func TestApplyDefaults_GC(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.False(t, cfg.Quota.GC.Enabled)
	assert.Equal(t, time.Hour, cfg.Quota.GC.Interval)

	cfg = &Config{Quota: QuotaConfig{GC: gc.Config{Enabled: true, Interval: time.Minute}}}
	ApplyDefaults(cfg)

	assert.True(t, cfg.Quota.GC.Enabled)
	assert.Equal(t, time.Minute, cfg.Quota.GC.Interval)
}
