package badger

import (
	"context"
	"testing"

	"github.com/marmos91/dittosdb/pkg/quota"
	quotatesting "github.com/marmos91/dittosdb/pkg/quota/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageStore(t *testing.T) {
	suite := &quotatesting.UsageStoreTestSuite{
		NewStore: func(t *testing.T) quota.UsageStore {
			store, err := NewUsageStore(context.Background(), Config{DBPath: t.TempDir()})
			require.NoError(t, err)
			return store
		},
	}
	suite.Run(t)
}

func TestUsageStoreInMemory(t *testing.T) {
	store, err := NewUsageStore(context.Background(), Config{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	o := quota.OriginMetadata{Origin: "chrome", Persistence: quota.PersistenceTypePersistent}
	require.NoError(t, store.Put(context.Background(), quota.OriginUsage{Origin: o, Usage: quota.UsageInfo{DatabaseBytes: 7}}))

	got, err := store.Get(context.Background(), o)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Usage.DatabaseBytes)
}

func TestUsageStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	o := quota.OriginMetadata{Origin: "https://a.test", Persistence: quota.PersistenceTypeDefault}

	store, err := NewUsageStore(ctx, Config{DBPath: dir})
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, quota.OriginUsage{Origin: o, Usage: quota.UsageInfo{DatabaseBytes: 42}}))
	require.NoError(t, store.Close())

	store, err = NewUsageStore(ctx, Config{DBPath: dir})
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Get(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.Usage.DatabaseBytes)
}

func TestParseKey(t *testing.T) {
	o := quota.OriginMetadata{Origin: "https://a.test:8080", Persistence: quota.PersistenceTypeTemporary}

	got, err := parseKey(keyUsage(o))
	require.NoError(t, err)
	assert.Equal(t, o, got)

	_, err = parseKey([]byte("other:x"))
	assert.Error(t, err)

	_, err = parseKey([]byte("usage:bogus:x"))
	assert.ErrorIs(t, err, quota.ErrInvalidPersistenceType)
}
