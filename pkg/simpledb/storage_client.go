package simpledb

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync/atomic"

	"github.com/marmos91/dittosdb/internal/logger"
	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/spf13/afero"
)

// StorageClient is the face the service shows to the quota manager: usage
// accounting for origin directories, lock-driven aborts, and shutdown.
type StorageClient struct {
	svc          *Service
	shuttingDown atomic.Bool
}

var _ quota.Client = (*StorageClient)(nil)

// Type identifies the client to the quota manager.
func (c *StorageClient) Type() quota.ClientType {
	return quota.ClientSDB
}

// IsShuttingDown is safe to call from any goroutine.
func (c *StorageClient) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}

// ============================================================================
// Usage
// ============================================================================

// InitOrigin computes the usage of an origin the quota manager starts tracking.
func (c *StorageClient) InitOrigin(meta quota.OriginMetadata, canceled *atomic.Bool) (quota.UsageInfo, error) {
	return c.GetUsageForOrigin(meta, canceled)
}

// InitOriginWithoutTracking has nothing to prepare.
func (c *StorageClient) InitOriginWithoutTracking(quota.OriginMetadata, *atomic.Bool) error {
	return nil
}

// GetUsageForOrigin sums the sizes of the database files in the origin's
// storage directory. It runs on the I/O executor; the caller blocks.
func (c *StorageClient) GetUsageForOrigin(meta quota.OriginMetadata, canceled *atomic.Bool) (quota.UsageInfo, error) {
	var (
		usage quota.UsageInfo
		err   error
	)

	if callErr := c.svc.io.Call(func() {
		usage, err = c.usageOf(meta, canceled)
	}); callErr != nil {
		return quota.UsageInfo{}, callErr
	}

	return usage, err
}

func (c *StorageClient) usageOf(meta quota.OriginMetadata, canceled *atomic.Bool) (quota.UsageInfo, error) {
	dir := quota.ClientDirectory(quota.ClientMetadata{OriginMetadata: meta, Client: quota.ClientSDB})

	entries, err := afero.ReadDir(c.svc.fs, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return quota.UsageInfo{}, nil
	}
	if err != nil {
		return quota.UsageInfo{}, ioError("usage", err)
	}

	var usage quota.UsageInfo
	for _, entry := range entries {
		if canceled != nil && canceled.Load() {
			return quota.UsageInfo{}, ErrAborted
		}

		if !entry.IsDir() && strings.HasSuffix(entry.Name(), Suffix) {
			usage.DatabaseBytes += uint64(entry.Size())
			continue
		}

		logger.Warn("Unknown entry in storage directory",
			logger.KeyPath, path.Join(dir, entry.Name()),
			logger.KeyOrigin, meta.Origin)
	}

	return usage, nil
}

// OnOriginClearCompleted is called after the origin directory is deleted.
// Connections on it were already drained, so there is nothing to drop.
func (c *StorageClient) OnOriginClearCompleted(meta quota.OriginMetadata) {
	logger.Debug("Origin clear completed", logger.KeyOrigin, meta.Origin, logger.KeyPersistence, meta.Persistence.String())
}

// OnRepositoryClearCompleted is called after a whole repository is deleted.
func (c *StorageClient) OnRepositoryClearCompleted(p quota.PersistenceType) {
	logger.Debug("Repository clear completed", logger.KeyPersistence, p.String())
}

// ReleaseIOThreadObjects does nothing: the I/O executor keeps no per-origin
// state between tasks.
func (c *StorageClient) ReleaseIOThreadObjects() {}

// ============================================================================
// Aborts
// ============================================================================

// AbortOperationsForLocks asks every open connection holding one of the
// given locks to close.
func (c *StorageClient) AbortOperationsForLocks(lockIDs map[uint64]struct{}) {
	c.allowToCloseMatching(func(conn *Connection) bool {
		_, ok := lockIDs[conn.lock.ID()]
		return ok
	})
}

// AbortOperationsForProcess does nothing: connections are not tied to
// processes.
func (c *StorageClient) AbortOperationsForProcess(uint64) {}

// AbortAllOperations asks every open connection to close.
func (c *StorageClient) AbortAllOperations() {
	c.allowToCloseMatching(func(*Connection) bool { return true })
}

func (c *StorageClient) allowToCloseMatching(match func(*Connection) bool) {
	err := c.svc.control.Dispatch(func() {
		for _, conn := range c.svc.registry.snapshot() {
			if match(conn) {
				conn.AllowToClose()
			}
		}
	})
	if err != nil {
		logger.Warn("Cannot abort connections", logger.KeyError, err)
	}
}

// StartIdleMaintenance does nothing: database files need no maintenance.
func (c *StorageClient) StartIdleMaintenance() {}

// StopIdleMaintenance does nothing.
func (c *StorageClient) StopIdleMaintenance() {}

// ============================================================================
// Shutdown
// ============================================================================

// InitiateShutdown refuses new connections and opens, and asks every open
// connection to close.
func (c *StorageClient) InitiateShutdown() {
	c.shuttingDown.Store(true)
	logger.Info("Storage client shutting down", logger.KeyCount, c.svc.registry.Len())
	c.AbortAllOperations()
}

// IsShutdownCompleted reports whether no connection has a stream open and
// no open is still in flight.
func (c *StorageClient) IsShutdownCompleted() bool {
	return c.svc.registry.Len() == 0 && c.svc.registry.Pending() == 0
}

// ShutdownStatus describes the connections still holding streams.
func (c *StorageClient) ShutdownStatus() string {
	var b strings.Builder

	err := c.svc.control.Call(func() {
		conns := c.svc.registry.snapshot()
		fmt.Fprintf(&b, "%d open connection(s)", len(conns))
		if n := c.svc.registry.Pending(); n > 0 {
			fmt.Fprintf(&b, ", %d open(s) in flight", n)
		}
		for _, conn := range conns {
			fmt.Fprintf(&b, "; %s %s/%s (allowed to close: %t, running: %t)",
				conn.id, conn.origin, conn.name, conn.allowedToClose, conn.runningRequest)
		}
	})
	if err != nil {
		return fmt.Sprintf("%d open connection(s)", c.svc.registry.Len())
	}

	return b.String()
}

// ForceKillActors does nothing: connections always drain on their own once
// allowed to close.
func (c *StorageClient) ForceKillActors() {}

// FinalizeShutdown is the last shutdown step, after every connection drained.
func (c *StorageClient) FinalizeShutdown() {
	logger.Debug("Storage client shutdown finalized")
}
