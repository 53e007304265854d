package testing

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// UsageStoreTestSuite exercises the quota.UsageStore contract so every
// implementation (memory, badger) is held to the same behavior.
//
// Usage:
//
//	func TestMyUsageStore(t *testing.T) {
//	    suite := &testing.UsageStoreTestSuite{
//	        NewStore: func(t *testing.T) quota.UsageStore {
//	            return mystore.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
type UsageStoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test.
	NewStore func(t *testing.T) quota.UsageStore
}

// Run executes all tests in the suite.
func (suite *UsageStoreTestSuite) Run(t *testing.T) {
	t.Run("PutGet", suite.testPutGet)
	t.Run("GetMissing", suite.testGetMissing)
	t.Run("Overwrite", suite.testOverwrite)
	t.Run("Delete", suite.testDelete)
	t.Run("List", suite.testList)
	t.Run("CanceledContext", suite.testCanceledContext)
}

func (suite *UsageStoreTestSuite) newStore(t *testing.T) quota.UsageStore {
	t.Helper()
	store := suite.NewStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func origin(o string, p quota.PersistenceType) quota.OriginMetadata {
	return quota.OriginMetadata{Origin: o, Persistence: p}
}

func (suite *UsageStoreTestSuite) testPutGet(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()

	entry := quota.OriginUsage{
		Origin:    origin("https://a.test:8443", quota.PersistenceTypeDefault),
		Usage:     quota.UsageInfo{DatabaseBytes: 1024},
		UpdatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Put(ctx, entry))

	got, err := store.Get(ctx, entry.Origin)
	require.NoError(t, err)
	assert.Equal(t, entry.Origin, got.Origin)
	assert.Equal(t, entry.Usage, got.Usage)
	assert.True(t, entry.UpdatedAt.Equal(got.UpdatedAt))
}

func (suite *UsageStoreTestSuite) testGetMissing(t *testing.T) {
	store := suite.newStore(t)

	_, err := store.Get(context.Background(), origin("https://missing.test", quota.PersistenceTypeDefault))
	assert.ErrorIs(t, err, quota.ErrUsageNotFound)
}

func (suite *UsageStoreTestSuite) testOverwrite(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()
	o := origin("https://a.test", quota.PersistenceTypeTemporary)

	require.NoError(t, store.Put(ctx, quota.OriginUsage{Origin: o, Usage: quota.UsageInfo{DatabaseBytes: 1}}))
	require.NoError(t, store.Put(ctx, quota.OriginUsage{Origin: o, Usage: quota.UsageInfo{DatabaseBytes: 2}}))

	got, err := store.Get(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Usage.DatabaseBytes)
}

func (suite *UsageStoreTestSuite) testDelete(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()
	o := origin("https://a.test", quota.PersistenceTypePersistent)

	require.NoError(t, store.Put(ctx, quota.OriginUsage{Origin: o}))
	require.NoError(t, store.Delete(ctx, o))

	_, err := store.Get(ctx, o)
	assert.ErrorIs(t, err, quota.ErrUsageNotFound)

	// Deleting again is not an error.
	assert.NoError(t, store.Delete(ctx, o))
}

func (suite *UsageStoreTestSuite) testList(t *testing.T) {
	store := suite.newStore(t)
	ctx := context.Background()

	want := []quota.OriginMetadata{
		origin("chrome", quota.PersistenceTypePersistent),
		origin("https://b.test:8080", quota.PersistenceTypeDefault),
		origin("https://a.test", quota.PersistenceTypeDefault),
	}
	for i, o := range want {
		require.NoError(t, store.Put(ctx, quota.OriginUsage{Origin: o, Usage: quota.UsageInfo{DatabaseBytes: uint64(i)}}))
	}

	entries, err := store.List(ctx)
	require.NoError(t, err)

	got := make([]quota.OriginMetadata, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.Origin)
	}
	assert.ElementsMatch(t, want, got)
}

func (suite *UsageStoreTestSuite) testCanceledContext(t *testing.T) {
	store := suite.newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Put(ctx, quota.OriginUsage{Origin: origin("https://a.test", quota.PersistenceTypeDefault)})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = store.List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
