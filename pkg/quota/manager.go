package quota

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittosdb/internal/logger"
	"github.com/spf13/afero"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Fs is the storage root. Origin directories are created beneath it.
	Fs afero.Fs

	// Usage records per-origin usage. Optional.
	Usage UsageStore

	// ShutdownPollInterval controls how often Shutdown checks whether clients
	// have drained. Defaults to 10ms.
	ShutdownPollInterval time.Duration
}

// Manager arbitrates access to origin directories.
//
// Client directory locks are shared: any number of holders may use the same
// origin at once. Clearing an origin (or a whole repository) is exclusive: it
// invalidates the matching locks, asks clients to abort the operations that
// hold them, waits for every one to be released, and only then deletes the
// directory. Lock requests that arrive during a clear wait for it to finish.
type Manager struct {
	fs           afero.Fs
	usage        UsageStore
	pollInterval time.Duration

	mu           sync.Mutex
	nextLockID   uint64
	held         map[uint64]*ClientDirectoryLock
	clears       []*clearScope
	waiting      []pendingLock
	clients      []Client
	shuttingDown bool
}

type clearScope struct {
	match     func(OriginMetadata) bool
	remaining int
	drained   chan struct{}
}

type pendingLock struct {
	meta    ClientMetadata
	promise *Promise
}

// NewManager creates a Manager. It panics if cfg.Fs is nil.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Fs == nil {
		panic("quota: ManagerConfig.Fs is required")
	}
	if cfg.ShutdownPollInterval <= 0 {
		cfg.ShutdownPollInterval = 10 * time.Millisecond
	}

	return &Manager{
		fs:           cfg.Fs,
		usage:        cfg.Usage,
		pollInterval: cfg.ShutdownPollInterval,
		held:         make(map[uint64]*ClientDirectoryLock),
	}
}

// RegisterClient adds a storage client. Clients must be registered before
// the manager is used.
func (m *Manager) RegisterClient(c Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = append(m.clients, c)
}

// Fs returns the storage root.
func (m *Manager) Fs() afero.Fs {
	return m.fs
}

func (m *Manager) clientSnapshot() []Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.clients)
}

// ============================================================================
// Directory locks
// ============================================================================

// OpenClientDirectory requests a shared lock on a client directory. The
// promise is rejected with ErrShuttingDown once Shutdown has started and
// stays pending while a clear covering the origin is in progress.
func (m *Manager) OpenClientDirectory(meta ClientMetadata) *Promise {
	p := NewPromise()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shuttingDown {
		p.Reject(ErrShuttingDown)
		return p
	}

	if m.clearingLocked(meta.OriginMetadata) {
		m.waiting = append(m.waiting, pendingLock{meta: meta, promise: p})
		return p
	}

	p.Resolve(m.grantLocked(meta))
	return p
}

// HeldLocks returns the number of directory locks currently held.
func (m *Manager) HeldLocks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

func (m *Manager) grantLocked(meta ClientMetadata) *ClientDirectoryLock {
	m.nextLockID++
	lock := &ClientDirectoryLock{id: m.nextLockID, meta: meta, mgr: m}
	m.held[lock.id] = lock

	logger.Debug("Directory lock granted",
		logger.KeyLockID, lock.id,
		logger.KeyOrigin, meta.Origin,
		logger.KeyPersistence, meta.Persistence.String())

	return lock
}

func (m *Manager) clearingLocked(meta OriginMetadata) bool {
	for _, s := range m.clears {
		if s.match(meta) {
			return true
		}
	}
	return false
}

func (m *Manager) release(lock *ClientDirectoryLock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[lock.id]; !ok {
		return
	}
	delete(m.held, lock.id)

	for _, s := range m.clears {
		if !lock.Invalidated() || !s.match(lock.meta.OriginMetadata) {
			continue
		}
		s.remaining--
		if s.remaining == 0 {
			close(s.drained)
		}
	}

	logger.Debug("Directory lock released", logger.KeyLockID, lock.id)
}

// ============================================================================
// Clearing
// ============================================================================

// ClearOrigin deletes every client directory of an origin once all locks on
// it have been released.
func (m *Manager) ClearOrigin(ctx context.Context, meta OriginMetadata) error {
	match := func(o OriginMetadata) bool { return o == meta }

	err := m.clear(ctx, match, OriginDirectory(meta), func(c Client) {
		c.OnOriginClearCompleted(meta)
	})
	if err != nil {
		return fmt.Errorf("clear origin %s: %w", meta, err)
	}

	if m.usage != nil {
		if err := m.usage.Delete(ctx, meta); err != nil {
			return fmt.Errorf("clear origin %s: forget usage: %w", meta, err)
		}
	}

	logger.Info("Origin cleared", logger.KeyOrigin, meta.Origin, logger.KeyPersistence, meta.Persistence.String())
	return nil
}

// ClearRepository deletes every origin of a persistence type.
func (m *Manager) ClearRepository(ctx context.Context, p PersistenceType) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPersistenceType, uint32(p))
	}

	match := func(o OriginMetadata) bool { return o.Persistence == p }

	err := m.clear(ctx, match, RepositoryDirectory(p), func(c Client) {
		c.OnRepositoryClearCompleted(p)
	})
	if err != nil {
		return fmt.Errorf("clear repository %s: %w", p, err)
	}

	if m.usage != nil {
		entries, err := m.usage.List(ctx)
		if err != nil {
			return fmt.Errorf("clear repository %s: list usage: %w", p, err)
		}
		for _, e := range entries {
			if e.Origin.Persistence != p {
				continue
			}
			if err := m.usage.Delete(ctx, e.Origin); err != nil {
				return fmt.Errorf("clear repository %s: forget usage: %w", p, err)
			}
		}
	}

	logger.Info("Repository cleared", logger.KeyPersistence, p.String())
	return nil
}

func (m *Manager) clear(ctx context.Context, match func(OriginMetadata) bool, dir string, notify func(Client)) error {
	scope := &clearScope{match: match, drained: make(chan struct{})}
	lockIDs := make(map[uint64]struct{})

	m.mu.Lock()
	for id, lock := range m.held {
		if !match(lock.meta.OriginMetadata) {
			continue
		}
		lock.invalidated.Store(true)
		lockIDs[id] = struct{}{}
		scope.remaining++
	}
	if scope.remaining == 0 {
		close(scope.drained)
	}
	m.clears = append(m.clears, scope)
	clients := slices.Clone(m.clients)
	m.mu.Unlock()

	defer m.endClear(scope)

	if len(lockIDs) > 0 {
		logger.Debug("Invalidated directory locks", logger.KeyCount, len(lockIDs), logger.KeyPath, dir)
		for _, c := range clients {
			c.AbortOperationsForLocks(lockIDs)
		}
	}

	select {
	case <-scope.drained:
	case <-ctx.Done():
		return fmt.Errorf("waiting for directory locks: %w", ctx.Err())
	}

	if err := m.fs.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}

	for _, c := range clients {
		notify(c)
	}
	return nil
}

func (m *Manager) endClear(scope *clearScope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clears = slices.DeleteFunc(m.clears, func(s *clearScope) bool { return s == scope })

	if m.shuttingDown {
		return
	}

	still := m.waiting[:0]
	for _, w := range m.waiting {
		if m.clearingLocked(w.meta.OriginMetadata) {
			still = append(still, w)
			continue
		}
		w.promise.Resolve(m.grantLocked(w.meta))
	}
	m.waiting = still
}

// ============================================================================
// Usage
// ============================================================================

// InitializeOrigin collects usage for an origin from every client and
// records it in the usage ledger.
func (m *Manager) InitializeOrigin(ctx context.Context, meta OriginMetadata) (UsageInfo, error) {
	return m.collectUsage(ctx, meta, Client.InitOrigin)
}

// GetOriginUsage recomputes the current usage of an origin and records it.
func (m *Manager) GetOriginUsage(ctx context.Context, meta OriginMetadata) (UsageInfo, error) {
	return m.collectUsage(ctx, meta, Client.GetUsageForOrigin)
}

// RefreshTrackedOrigins re-initializes every origin present in the usage
// ledger and returns how many were refreshed.
func (m *Manager) RefreshTrackedOrigins(ctx context.Context) (int, error) {
	if m.usage == nil {
		return 0, nil
	}

	entries, err := m.usage.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list usage: %w", err)
	}

	for i, e := range entries {
		if _, err := m.InitializeOrigin(ctx, e.Origin); err != nil {
			return i, err
		}
	}
	return len(entries), nil
}

// TrackedOrigins lists the usage ledger. It is empty without a usage store.
func (m *Manager) TrackedOrigins(ctx context.Context) ([]OriginUsage, error) {
	if m.usage == nil {
		return nil, nil
	}
	return m.usage.List(ctx)
}

// ForgetOrigin drops the ledger entry of an origin without touching its
// directory.
func (m *Manager) ForgetOrigin(ctx context.Context, meta OriginMetadata) error {
	if m.usage == nil {
		return nil
	}
	return m.usage.Delete(ctx, meta)
}

// RecordedUsage returns the last ledger entry for an origin.
func (m *Manager) RecordedUsage(ctx context.Context, meta OriginMetadata) (OriginUsage, error) {
	if m.usage == nil {
		return OriginUsage{}, ErrUsageNotFound
	}
	return m.usage.Get(ctx, meta)
}

func (m *Manager) collectUsage(
	ctx context.Context,
	meta OriginMetadata,
	get func(Client, OriginMetadata, *atomic.Bool) (UsageInfo, error),
) (UsageInfo, error) {
	var canceled atomic.Bool
	stop := context.AfterFunc(ctx, func() { canceled.Store(true) })
	defer stop()

	var total UsageInfo
	for _, c := range m.clientSnapshot() {
		usage, err := get(c, meta, &canceled)
		if err != nil {
			return UsageInfo{}, fmt.Errorf("%s usage for %s: %w", c.Type(), meta, err)
		}
		total.Add(usage)
	}

	if err := ctx.Err(); err != nil {
		return UsageInfo{}, err
	}

	if m.usage != nil {
		entry := OriginUsage{Origin: meta, Usage: total, UpdatedAt: time.Now()}
		if err := m.usage.Put(ctx, entry); err != nil {
			return UsageInfo{}, fmt.Errorf("record usage for %s: %w", meta, err)
		}
	}

	return total, nil
}

// ============================================================================
// Aborts and maintenance
// ============================================================================

// AbortOperationsForProcess asks every client to abort work started on
// behalf of a process.
func (m *Manager) AbortOperationsForProcess(processID uint64) {
	for _, c := range m.clientSnapshot() {
		c.AbortOperationsForProcess(processID)
	}
}

// AbortAllOperations asks every client to wind down all of its work.
func (m *Manager) AbortAllOperations() {
	for _, c := range m.clientSnapshot() {
		c.AbortAllOperations()
	}
}

func (m *Manager) StartIdleMaintenance() {
	for _, c := range m.clientSnapshot() {
		c.StartIdleMaintenance()
	}
}

func (m *Manager) StopIdleMaintenance() {
	for _, c := range m.clientSnapshot() {
		c.StopIdleMaintenance()
	}
}

// ============================================================================
// Shutdown
// ============================================================================

// Shutdown stops granting locks and drives every client through shutdown:
// InitiateShutdown, wait for IsShutdownCompleted, ForceKillActors if ctx
// expires first, then FinalizeShutdown. Returns ErrShutdownTimeout when the
// clients did not drain in time.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	waiting := m.waiting
	m.waiting = nil
	clients := slices.Clone(m.clients)
	m.mu.Unlock()

	for _, w := range waiting {
		w.promise.Reject(ErrShuttingDown)
	}

	for _, c := range clients {
		c.InitiateShutdown()
	}

	err := m.waitForClients(ctx, clients)
	if err != nil {
		for _, c := range clients {
			if c.IsShutdownCompleted() {
				continue
			}
			logger.Warn("Storage client did not shut down in time",
				logger.KeyComponent, string(c.Type()),
				logger.KeyStatus, c.ShutdownStatus())
			c.ForceKillActors()
		}
	}

	for _, c := range clients {
		c.ReleaseIOThreadObjects()
		c.FinalizeShutdown()
	}

	return err
}

// IsShuttingDown reports whether Shutdown has been called.
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

func (m *Manager) waitForClients(ctx context.Context, clients []Client) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		done := true
		for _, c := range clients {
			if !c.IsShutdownCompleted() {
				done = false
				break
			}
		}
		if done {
			return nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
		}
	}
}
