package simpledb

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/marmos91/dittosdb/pkg/principal"
	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMeta() quota.OriginMetadata {
	return quota.OriginMetadata{Origin: testOrigin, Persistence: quota.PersistenceTypePersistent}
}

func TestStorageClient_Usage(t *testing.T) {
	h := newHarness(t)
	c, peer := h.connect(principal.Content(testOrigin))

	h.open(c, peer, "a")
	require.NoError(t, h.do(c, peer, Request{Kind: RequestWrite, Data: make([]byte, 10)}).Err)
	require.NoError(t, h.do(c, peer, Request{Kind: RequestClose}).Err)

	h.open(c, peer, "b")
	require.NoError(t, h.do(c, peer, Request{Kind: RequestWrite, Data: make([]byte, 32)}).Err)

	// Entries that are not databases are reported and skipped.
	dir := quota.ClientDirectory(quota.ClientMetadata{OriginMetadata: testMeta(), Client: quota.ClientSDB})
	require.NoError(t, afero.WriteFile(h.fs, dir+"/notes.txt", make([]byte, 100), 0644))
	require.NoError(t, h.fs.MkdirAll(dir+"/stray.sdb", 0755))

	usage, err := h.mgr.GetOriginUsage(context.Background(), testMeta())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), usage.DatabaseBytes)
	assert.Equal(t, uint64(42), usage.Total())

	usage, err = h.mgr.InitializeOrigin(context.Background(), testMeta())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), usage.DatabaseBytes)
}

func TestStorageClient_UsageMissingDirectory(t *testing.T) {
	h := newHarness(t)

	usage, err := h.svc.Client().GetUsageForOrigin(testMeta(), nil)
	require.NoError(t, err)
	assert.Zero(t, usage.Total())
}

func TestStorageClient_UsageCanceled(t *testing.T) {
	h := newHarness(t)

	dir := quota.ClientDirectory(quota.ClientMetadata{OriginMetadata: testMeta(), Client: quota.ClientSDB})
	require.NoError(t, afero.WriteFile(h.fs, dir+"/db"+Suffix, []byte("x"), 0644))

	var canceled atomic.Bool
	canceled.Store(true)

	_, err := h.svc.Client().GetUsageForOrigin(testMeta(), &canceled)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestStorageClient_AbortOperationsForLocks(t *testing.T) {
	h := newHarness(t)
	a, peerA := h.connect(principal.Content(testOrigin))
	b, peerB := h.connect(principal.Content("https://other.example"))

	h.open(a, peerA, "db")
	h.open(b, peerB, "db")

	var lockID uint64
	require.NoError(t, h.svc.control.Call(func() { lockID = a.lock.ID() }))

	h.svc.Client().AbortOperationsForLocks(map[uint64]struct{}{lockID: {}})

	peerA.waitNotice(t, evAllowToClose)
	peerA.waitNotice(t, evClosed)
	h.syncControl()

	assert.Equal(t, []string{"reply:open"}, peerB.Events())
	assert.Equal(t, 1, h.svc.OpenConnections())
}

func TestStorageClient_AbortAllOperations(t *testing.T) {
	h := newHarness(t)
	a, peerA := h.connect(principal.Content(testOrigin))
	b, peerB := h.connect(principal.Content("https://other.example"))

	h.open(a, peerA, "db")
	h.open(b, peerB, "db")

	h.svc.Client().AbortAllOperations()

	peerA.waitNotice(t, evAllowToClose)
	peerA.waitNotice(t, evClosed)
	peerB.waitNotice(t, evAllowToClose)
	peerB.waitNotice(t, evClosed)

	assert.Equal(t, 0, h.svc.OpenConnections())
	assert.True(t, h.svc.Client().IsShutdownCompleted())
}

func TestStorageClient_ShutdownStatus(t *testing.T) {
	h := newHarness(t)
	c, peer := h.connect(principal.Content(testOrigin))
	h.open(c, peer, "db")

	client := h.svc.Client()
	assert.Equal(t, quota.ClientSDB, client.Type())
	assert.False(t, client.IsShutdownCompleted())

	status := client.ShutdownStatus()
	assert.Contains(t, status, "1 open connection(s)")
	assert.Contains(t, status, c.ID())
	assert.Contains(t, status, testOrigin+"/db")
}
