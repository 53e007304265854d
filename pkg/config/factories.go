package config

import (
	"context"
	"fmt"
	"os"

	"github.com/marmos91/dittosdb/internal/logger"
	"github.com/marmos91/dittosdb/pkg/quota"
	quotaBadger "github.com/marmos91/dittosdb/pkg/quota/badger"
	"github.com/marmos91/dittosdb/pkg/quota/memory"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/afero"
)

// CreateUsageStore creates the usage store selected by cfg.Type.
//
// Supported types:
//   - "memory": pkg/quota/memory (lost on restart)
//   - "badger": pkg/quota/badger (persistent, keyed by persistence and origin)
func CreateUsageStore(ctx context.Context, cfg *UsageStoreConfig) (quota.UsageStore, error) {
	switch cfg.Type {
	case "memory":
		return memory.NewUsageStore(), nil
	case "badger":
		return createBadgerUsageStore(ctx, cfg.Badger)
	default:
		return nil, fmt.Errorf("unknown usage store type: %q", cfg.Type)
	}
}

func createBadgerUsageStore(ctx context.Context, options map[string]any) (quota.UsageStore, error) {
	var storeCfg quotaBadger.Config
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger usage store config: %w", err)
	}

	if storeCfg.DBPath == "" && !storeCfg.InMemory {
		return nil, fmt.Errorf("badger usage store: db_path is required")
	}

	store, err := quotaBadger.NewUsageStore(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger usage store: %w", err)
	}

	logger.Info("Badger usage store opened", logger.KeyPath, storeCfg.DBPath)
	return store, nil
}

// CreateStorageFs creates the storage root and returns a filesystem rooted
// at it. Paths handed to the quota manager and the storage service are
// relative to this root.
func CreateStorageFs(cfg *StorageConfig) (afero.Fs, error) {
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root %s: %w", cfg.BasePath, err)
	}

	return afero.NewBasePathFs(afero.NewOsFs(), cfg.BasePath), nil
}

// CreateQuotaManager creates the quota manager over fs, recording usage in
// usage. The caller owns usage and closes it after the manager has shut down.
func CreateQuotaManager(cfg *Config, fs afero.Fs, usage quota.UsageStore) *quota.Manager {
	return quota.NewManager(quota.ManagerConfig{
		Fs:                   fs,
		Usage:                usage,
		ShutdownPollInterval: cfg.Quota.ShutdownPollInterval,
	})
}
