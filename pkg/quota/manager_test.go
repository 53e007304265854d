package quota_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/marmos91/dittosdb/pkg/quota/memory"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test doubles
// ============================================================================

type fakeClient struct {
	mu sync.Mutex

	usage        quota.UsageInfo
	aborted      []map[uint64]struct{}
	onAbort      func(map[uint64]struct{})
	clearedOrigs []quota.OriginMetadata
	clearedRepos []quota.PersistenceType
	calls        []string

	shutdownDone atomic.Bool
}

func (c *fakeClient) record(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
}

func (c *fakeClient) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *fakeClient) Type() quota.ClientType { return quota.ClientSDB }

func (c *fakeClient) InitOrigin(meta quota.OriginMetadata, canceled *atomic.Bool) (quota.UsageInfo, error) {
	c.record("InitOrigin")
	return c.usage, nil
}

func (c *fakeClient) GetUsageForOrigin(meta quota.OriginMetadata, canceled *atomic.Bool) (quota.UsageInfo, error) {
	c.record("GetUsageForOrigin")
	return c.usage, nil
}

func (c *fakeClient) OnOriginClearCompleted(meta quota.OriginMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearedOrigs = append(c.clearedOrigs, meta)
}

func (c *fakeClient) OnRepositoryClearCompleted(p quota.PersistenceType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearedRepos = append(c.clearedRepos, p)
}

func (c *fakeClient) ReleaseIOThreadObjects() { c.record("ReleaseIOThreadObjects") }

func (c *fakeClient) AbortOperationsForLocks(ids map[uint64]struct{}) {
	c.mu.Lock()
	c.aborted = append(c.aborted, ids)
	fn := c.onAbort
	c.mu.Unlock()
	if fn != nil {
		fn(ids)
	}
}

func (c *fakeClient) AbortOperationsForProcess(uint64) { c.record("AbortOperationsForProcess") }
func (c *fakeClient) AbortAllOperations()              { c.record("AbortAllOperations") }
func (c *fakeClient) StartIdleMaintenance()            { c.record("StartIdleMaintenance") }
func (c *fakeClient) StopIdleMaintenance()             { c.record("StopIdleMaintenance") }

func (c *fakeClient) InitiateShutdown()         { c.record("InitiateShutdown") }
func (c *fakeClient) IsShutdownCompleted() bool { return c.shutdownDone.Load() }
func (c *fakeClient) ShutdownStatus() string    { return "busy" }
func (c *fakeClient) ForceKillActors()          { c.record("ForceKillActors") }
func (c *fakeClient) FinalizeShutdown()         { c.record("FinalizeShutdown") }

type inlineDispatcher struct{}

func (inlineDispatcher) Dispatch(task func()) error {
	task()
	return nil
}

func newManager(t *testing.T) (*quota.Manager, *fakeClient, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	mgr := quota.NewManager(quota.ManagerConfig{
		Fs:                   fs,
		Usage:                memory.NewUsageStore(),
		ShutdownPollInterval: time.Millisecond,
	})
	client := &fakeClient{}
	mgr.RegisterClient(client)
	return mgr, client, fs
}

var (
	originA = quota.OriginMetadata{Origin: "https://a.test", Persistence: quota.PersistenceTypeDefault}
	originB = quota.OriginMetadata{Origin: "https://b.test", Persistence: quota.PersistenceTypeDefault}
)

func sdb(o quota.OriginMetadata) quota.ClientMetadata {
	return quota.ClientMetadata{OriginMetadata: o, Client: quota.ClientSDB}
}

func acquire(t *testing.T, mgr *quota.Manager, meta quota.ClientMetadata) *quota.ClientDirectoryLock {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	lock, err := mgr.OpenClientDirectory(meta).Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, lock)
	return lock
}

// ============================================================================
// Locks
// ============================================================================

func TestOpenClientDirectory(t *testing.T) {
	t.Run("SharedLocks", func(t *testing.T) {
		mgr, _, _ := newManager(t)

		l1 := acquire(t, mgr, sdb(originA))
		l2 := acquire(t, mgr, sdb(originA))

		assert.NotEqual(t, l1.ID(), l2.ID())
		assert.Equal(t, 2, mgr.HeldLocks())
		assert.Equal(t, sdb(originA), l1.Metadata())

		l1.Release()
		l1.Release()
		assert.Equal(t, 1, mgr.HeldLocks())
		l2.Release()
		assert.Equal(t, 0, mgr.HeldLocks())
	})

	t.Run("ThenDeliversOnDispatcher", func(t *testing.T) {
		mgr, _, _ := newManager(t)

		got := make(chan *quota.ClientDirectoryLock, 1)
		mgr.OpenClientDirectory(sdb(originA)).Then(inlineDispatcher{}, func(l *quota.ClientDirectoryLock, err error) {
			assert.NoError(t, err)
			got <- l
		})

		select {
		case l := <-got:
			assert.False(t, l.Invalidated())
			l.Release()
		case <-time.After(time.Second):
			t.Fatal("promise never settled")
		}
	})

	t.Run("RejectedAfterShutdown", func(t *testing.T) {
		mgr, client, _ := newManager(t)
		client.shutdownDone.Store(true)
		require.NoError(t, mgr.Shutdown(context.Background()))

		_, err := mgr.OpenClientDirectory(sdb(originA)).Wait(context.Background())
		assert.ErrorIs(t, err, quota.ErrShuttingDown)
	})
}

// ============================================================================
// Clearing
// ============================================================================

func TestClearOrigin(t *testing.T) {
	t.Run("InvalidatesWaitsAndDeletes", func(t *testing.T) {
		mgr, client, fs := newManager(t)
		ctx := context.Background()

		dir := quota.ClientDirectory(sdb(originA))
		require.NoError(t, fs.MkdirAll(dir, 0755))
		require.NoError(t, afero.WriteFile(fs, dir+"/db.sdb", []byte("x"), 0644))

		lock := acquire(t, mgr, sdb(originA))
		other := acquire(t, mgr, sdb(originB))

		client.onAbort = func(ids map[uint64]struct{}) {
			assert.Contains(t, ids, lock.ID())
			assert.NotContains(t, ids, other.ID())
			go lock.Release()
		}

		require.NoError(t, mgr.ClearOrigin(ctx, originA))

		assert.True(t, lock.Invalidated())
		assert.False(t, other.Invalidated())

		exists, err := afero.DirExists(fs, quota.OriginDirectory(originA))
		require.NoError(t, err)
		assert.False(t, exists)
		assert.Equal(t, []quota.OriginMetadata{originA}, client.clearedOrigs)

		other.Release()
	})

	t.Run("TimesOutWhileLockHeld", func(t *testing.T) {
		mgr, _, fs := newManager(t)
		require.NoError(t, fs.MkdirAll(quota.ClientDirectory(sdb(originA)), 0755))

		lock := acquire(t, mgr, sdb(originA))
		defer lock.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		err := mgr.ClearOrigin(ctx, originA)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		exists, _ := afero.DirExists(fs, quota.OriginDirectory(originA))
		assert.True(t, exists, "directory must survive an aborted clear")
	})

	t.Run("QueuesLockRequestsUntilDone", func(t *testing.T) {
		mgr, client, _ := newManager(t)
		lock := acquire(t, mgr, sdb(originA))

		release := make(chan struct{})
		pending := make(chan *quota.Promise, 1)
		client.onAbort = func(map[uint64]struct{}) {
			pending <- mgr.OpenClientDirectory(sdb(originA))
			go func() {
				<-release
				lock.Release()
			}()
		}

		done := make(chan error, 1)
		go func() { done <- mgr.ClearOrigin(context.Background(), originA) }()

		p := <-pending
		shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := p.Wait(shortCtx)
		cancel()
		assert.ErrorIs(t, err, context.DeadlineExceeded, "lock must not be granted during a clear")

		close(release)
		require.NoError(t, <-done)

		granted, err := p.Wait(context.Background())
		require.NoError(t, err)
		assert.False(t, granted.Invalidated())
		granted.Release()
	})
}

func TestClearRepository(t *testing.T) {
	mgr, client, fs := newManager(t)
	ctx := context.Background()

	persistent := quota.OriginMetadata{Origin: "chrome", Persistence: quota.PersistenceTypePersistent}
	for _, o := range []quota.OriginMetadata{originA, originB, persistent} {
		require.NoError(t, fs.MkdirAll(quota.ClientDirectory(sdb(o)), 0755))
		_, err := mgr.InitializeOrigin(ctx, o)
		require.NoError(t, err)
	}

	require.NoError(t, mgr.ClearRepository(ctx, quota.PersistenceTypeDefault))

	exists, _ := afero.DirExists(fs, quota.RepositoryDirectory(quota.PersistenceTypeDefault))
	assert.False(t, exists)
	exists, _ = afero.DirExists(fs, quota.OriginDirectory(persistent))
	assert.True(t, exists)
	assert.Equal(t, []quota.PersistenceType{quota.PersistenceTypeDefault}, client.clearedRepos)

	_, err := mgr.RecordedUsage(ctx, originA)
	assert.ErrorIs(t, err, quota.ErrUsageNotFound)
	_, err = mgr.RecordedUsage(ctx, persistent)
	assert.NoError(t, err)

	assert.ErrorIs(t, mgr.ClearRepository(ctx, quota.PersistenceType(9)), quota.ErrInvalidPersistenceType)
}

// ============================================================================
// Usage
// ============================================================================

func TestUsage(t *testing.T) {
	mgr, client, _ := newManager(t)
	ctx := context.Background()
	client.usage = quota.UsageInfo{DatabaseBytes: 100}

	usage, err := mgr.InitializeOrigin(ctx, originA)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), usage.Total())

	client.usage = quota.UsageInfo{DatabaseBytes: 250}
	usage, err = mgr.GetOriginUsage(ctx, originA)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), usage.DatabaseBytes)

	recorded, err := mgr.RecordedUsage(ctx, originA)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), recorded.Usage.DatabaseBytes)

	n, err := mgr.RefreshTrackedOrigins(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"InitOrigin", "GetUsageForOrigin", "InitOrigin"}, client.callLog())
}

func TestPassThroughs(t *testing.T) {
	mgr, client, _ := newManager(t)

	mgr.AbortOperationsForProcess(7)
	mgr.AbortAllOperations()
	mgr.StartIdleMaintenance()
	mgr.StopIdleMaintenance()

	assert.Equal(t, []string{
		"AbortOperationsForProcess",
		"AbortAllOperations",
		"StartIdleMaintenance",
		"StopIdleMaintenance",
	}, client.callLog())
}

// ============================================================================
// Shutdown
// ============================================================================

func TestShutdown(t *testing.T) {
	t.Run("WaitsForClients", func(t *testing.T) {
		mgr, client, _ := newManager(t)

		go func() {
			time.Sleep(10 * time.Millisecond)
			client.shutdownDone.Store(true)
		}()

		require.NoError(t, mgr.Shutdown(context.Background()))
		assert.True(t, mgr.IsShuttingDown())
		assert.Equal(t, []string{"InitiateShutdown", "ReleaseIOThreadObjects", "FinalizeShutdown"}, client.callLog())

		// Second call is a no-op.
		require.NoError(t, mgr.Shutdown(context.Background()))
	})

	t.Run("ForceKillsOnTimeout", func(t *testing.T) {
		mgr, client, _ := newManager(t)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		err := mgr.Shutdown(ctx)
		assert.ErrorIs(t, err, quota.ErrShutdownTimeout)
		assert.Equal(t, []string{"InitiateShutdown", "ForceKillActors", "ReleaseIOThreadObjects", "FinalizeShutdown"}, client.callLog())
	})
}

// ============================================================================
// Layout
// ============================================================================

func TestLayout(t *testing.T) {
	meta := quota.ClientMetadata{
		OriginMetadata: quota.OriginMetadata{Origin: "https://a.test:8080", Persistence: quota.PersistenceTypeTemporary},
		Client:         quota.ClientSDB,
	}

	assert.Equal(t, "https+++a.test+8080", quota.SanitizeOrigin(meta.Origin))
	assert.Equal(t, "temporary/https+++a.test+8080", quota.OriginDirectory(meta.OriginMetadata))
	assert.Equal(t, "temporary/https+++a.test+8080/sdb", quota.ClientDirectory(meta))

	p, err := quota.ParsePersistenceType("Default")
	require.NoError(t, err)
	assert.Equal(t, quota.PersistenceTypeDefault, p)

	_, err = quota.ParsePersistenceType("forever")
	assert.ErrorIs(t, err, quota.ErrInvalidPersistenceType)
	assert.False(t, quota.PersistenceType(3).Valid())
}
