package gc

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/marmos91/dittosdb/pkg/quota/memory"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	live   = quota.OriginMetadata{Origin: "https://live.example", Persistence: quota.PersistenceTypeDefault}
	orphan = quota.OriginMetadata{Origin: "https://gone.example", Persistence: quota.PersistenceTypeTemporary}
)

// setup tracks both origins in the ledger but only creates the directory of
// the live one.
func setup(t *testing.T) (*quota.Manager, *memory.UsageStore) {
	t.Helper()
	ctx := context.Background()

	fs := afero.NewMemMapFs()
	usage := memory.NewUsageStore()
	mgr := quota.NewManager(quota.ManagerConfig{Fs: fs, Usage: usage})

	require.NoError(t, fs.MkdirAll(quota.OriginDirectory(live), 0o755))
	for _, meta := range []quota.OriginMetadata{live, orphan} {
		require.NoError(t, usage.Put(ctx, quota.OriginUsage{
			Origin: meta,
			Usage:  quota.UsageInfo{FileBytes: 42},
		}))
	}

	return mgr, usage
}

func TestRunNow(t *testing.T) {
	ctx := context.Background()
	mgr, usage := setup(t)

	stats, err := NewCollector(mgr, Config{}).RunNow(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 2, stats.TrackedCount)
	assert.EqualValues(t, 1, stats.OrphanedCount)
	assert.EqualValues(t, 1, stats.ForgottenCount)
	assert.EqualValues(t, 1, stats.RefreshedCount)
	assert.Zero(t, stats.FailedCount)
	assert.False(t, stats.EndTime.IsZero())
	assert.Contains(t, stats.Summary(), "orphaned=1")

	_, err = usage.Get(ctx, orphan)
	assert.ErrorIs(t, err, quota.ErrUsageNotFound)

	// No clients are registered, so the refreshed usage is empty.
	entry, err := usage.Get(ctx, live)
	require.NoError(t, err)
	assert.Zero(t, entry.Usage.Total())
}

func TestRunNow_DryRun(t *testing.T) {
	ctx := context.Background()
	mgr, usage := setup(t)

	stats, err := NewCollector(mgr, Config{DryRun: true}).RunNow(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 1, stats.OrphanedCount)
	assert.Zero(t, stats.ForgottenCount)

	_, err = usage.Get(ctx, orphan)
	assert.NoError(t, err)
}

func TestRunNow_Canceled(t *testing.T) {
	mgr, _ := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCollector(mgr, Config{}).RunNow(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	mgr, usage := setup(t)

	c := NewCollector(mgr, Config{Enabled: true, Interval: 5 * time.Millisecond})
	c.Start()
	c.Start()

	require.Eventually(t, func() bool {
		_, err := usage.Get(ctx, orphan)
		return err != nil
	}, 5*time.Second, 5*time.Millisecond)

	assert.NoError(t, c.Stop(ctx))
	assert.NoError(t, c.Stop(ctx))
}

func TestStop_Disabled(t *testing.T) {
	mgr, _ := setup(t)

	c := NewCollector(mgr, Config{})
	c.Start()
	assert.NoError(t, c.Stop(context.Background()))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	assert.Equal(t, time.Hour, cfg.Interval)
	assert.Equal(t, 10*time.Minute, cfg.Timeout)

	assert.Panics(t, func() { NewCollector(nil, Config{}) })
}
