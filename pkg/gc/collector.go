// Package gc keeps the per-origin usage ledger in step with the storage root.
//
// Ledger entries outlive their origin directories when a directory is
// removed behind the server's back, or when a clear fails after deleting
// files. The collector finds those orphaned entries and forgets them, then
// re-initializes the usage of every origin that still exists.
package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittosdb/internal/logger"
	"github.com/marmos91/dittosdb/pkg/quota"
	"github.com/spf13/afero"
)

// Ledger is the part of the quota manager the collector works on.
type Ledger interface {
	Fs() afero.Fs
	TrackedOrigins(ctx context.Context) ([]quota.OriginUsage, error)
	ForgetOrigin(ctx context.Context, meta quota.OriginMetadata) error
	InitializeOrigin(ctx context.Context, meta quota.OriginMetadata) (quota.UsageInfo, error)
}

// Config contains configuration for the collector.
type Config struct {
	// Enabled controls whether periodic collection runs (default: false)
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval between runs (default: 1h)
	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"min=0"`

	// Timeout bounds a single run (default: 10m)
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"min=0"`

	// DryRun logs orphaned entries without forgetting them
	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`
}

// ApplyDefaults fills zero durations.
func (c *Config) ApplyDefaults() {
	if c.Interval == 0 {
		c.Interval = time.Hour
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Minute
	}
}

// Collector periodically collects the usage ledger.
//
// Thread Safety: Safe for concurrent use. Runs are serialized.
type Collector struct {
	ledger Ledger
	config Config

	runMu sync.Mutex

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector creates a collector. Call Start to begin periodic runs.
func NewCollector(ledger Ledger, config Config) *Collector {
	if ledger == nil {
		panic("gc: ledger cannot be nil")
	}
	config.ApplyDefaults()

	return &Collector{
		ledger: ledger,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins periodic collection. It is a no-op when the collector is
// disabled or already started.
func (c *Collector) Start() {
	if !c.config.Enabled {
		logger.Debug("Usage ledger collection disabled")
		return
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	logger.Info("Starting usage ledger collector", "interval", c.config.Interval, "dry_run", c.config.DryRun)
	go c.worker()
}

// Stop stops periodic collection and waits for an in-flight run, bounded by
// ctx. Safe to call multiple times and without Start.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return nil
	}

	c.stopOnce.Do(func() { close(c.stopCh) })

	select {
	case <-c.doneCh:
		logger.Debug("Usage ledger collector stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Usage ledger collector shutdown timeout")
		return ctx.Err()
	}
}

// RunNow runs one collection and blocks until it completes.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	return c.collect(ctx)
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
			stats, err := c.collect(ctx)
			cancel()

			if err != nil {
				logger.Error("Usage ledger collection failed", logger.KeyError, err)
			} else {
				logger.Info("Usage ledger collection completed", "summary", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// collect runs the three phases:
//  1. list the ledger
//  2. split entries by whether their origin directory exists
//  3. forget orphaned entries and re-initialize the rest
func (c *Collector) collect(ctx context.Context) (*Stats, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	stats := &Stats{StartTime: time.Now()}
	defer func() { stats.EndTime = time.Now() }()

	entries, err := c.ledger.TrackedOrigins(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list usage ledger: %w", err)
	}
	stats.TrackedCount = uint64(len(entries))

	fs := c.ledger.Fs()
	var orphaned, live []quota.OriginMetadata
	for _, e := range entries {
		exists, err := afero.DirExists(fs, quota.OriginDirectory(e.Origin))
		if err != nil {
			return stats, fmt.Errorf("failed to stat %s: %w", e.Origin, err)
		}
		if exists {
			live = append(live, e.Origin)
		} else {
			orphaned = append(orphaned, e.Origin)
		}
	}
	stats.OrphanedCount = uint64(len(orphaned))

	for _, meta := range orphaned {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if c.config.DryRun {
			logger.Info("Would forget orphaned usage entry", logger.KeyOrigin, meta.Origin, logger.KeyPersistence, meta.Persistence.String())
			continue
		}

		if err := c.ledger.ForgetOrigin(ctx, meta); err != nil {
			logger.Warn("Failed to forget usage entry", logger.KeyOrigin, meta.Origin, logger.KeyError, err)
			stats.FailedCount++
			continue
		}
		stats.ForgottenCount++
	}

	for _, meta := range live {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if _, err := c.ledger.InitializeOrigin(ctx, meta); err != nil {
			logger.Warn("Failed to refresh usage", logger.KeyOrigin, meta.Origin, logger.KeyError, err)
			stats.FailedCount++
			continue
		}
		stats.RefreshedCount++
	}

	return stats, nil
}

// Stats contains statistics from one collection run.
type Stats struct {
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	TrackedCount   uint64    `json:"tracked"`
	OrphanedCount  uint64    `json:"orphaned"`
	ForgottenCount uint64    `json:"forgotten"`
	RefreshedCount uint64    `json:"refreshed"`
	FailedCount    uint64    `json:"failed"`
}

// Duration returns the total collection duration.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// Summary returns a human-readable summary of the run.
func (s *Stats) Summary() string {
	return fmt.Sprintf("tracked=%d orphaned=%d forgotten=%d refreshed=%d failed=%d duration=%s",
		s.TrackedCount, s.OrphanedCount, s.ForgottenCount, s.RefreshedCount, s.FailedCount, s.Duration())
}
