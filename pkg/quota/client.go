package quota

import (
	"context"
	"sync/atomic"
	"time"
)

// UsageInfo is the space an origin consumes, as reported by its clients.
type UsageInfo struct {
	DatabaseBytes uint64 `json:"database_bytes"`
	FileBytes     uint64 `json:"file_bytes"`
}

// Add accumulates other into u.
func (u *UsageInfo) Add(other UsageInfo) {
	u.DatabaseBytes += other.DatabaseBytes
	u.FileBytes += other.FileBytes
}

func (u UsageInfo) Total() uint64 {
	return u.DatabaseBytes + u.FileBytes
}

// OriginUsage is one usage ledger entry.
type OriginUsage struct {
	Origin    OriginMetadata `json:"origin"`
	Usage     UsageInfo      `json:"usage"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// UsageStore persists the per-origin usage ledger.
type UsageStore interface {
	Put(ctx context.Context, entry OriginUsage) error
	Get(ctx context.Context, origin OriginMetadata) (OriginUsage, error)
	Delete(ctx context.Context, origin OriginMetadata) error
	List(ctx context.Context) ([]OriginUsage, error)
	Close() error
}

// Client is a storage client living under origin directories. The manager
// drives usage accounting, lock aborts and shutdown through it.
//
// Usage walks run on the caller's goroutine and must poll canceled.
// Everything else must not block.
type Client interface {
	Type() ClientType

	InitOrigin(meta OriginMetadata, canceled *atomic.Bool) (UsageInfo, error)
	GetUsageForOrigin(meta OriginMetadata, canceled *atomic.Bool) (UsageInfo, error)
	OnOriginClearCompleted(meta OriginMetadata)
	OnRepositoryClearCompleted(p PersistenceType)
	ReleaseIOThreadObjects()

	AbortOperationsForLocks(lockIDs map[uint64]struct{})
	AbortOperationsForProcess(processID uint64)
	AbortAllOperations()

	StartIdleMaintenance()
	StopIdleMaintenance()

	InitiateShutdown()
	IsShutdownCompleted() bool
	ShutdownStatus() string
	ForceKillActors()
	FinalizeShutdown()
}
