package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantNil bool
	}{
		{name: "disabled", cfg: Config{}, wantNil: true},
		{name: "burst ignored when disabled", cfg: Config{Burst: 10}, wantNil: true},
		{name: "explicit burst", cfg: Config{RequestsPerSecond: 100, Burst: 5}},
		{name: "default burst", cfg: Config{RequestsPerSecond: 100}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := New(tt.cfg)
			if tt.wantNil {
				assert.Nil(t, limiter)
				return
			}
			require.NotNil(t, limiter)
		})
	}

	assert.Equal(t, 200, New(Config{RequestsPerSecond: 100}).limiter.Burst())
	assert.Equal(t, 5, New(Config{RequestsPerSecond: 100, Burst: 5}).limiter.Burst())
}

func TestAllow(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 10, Burst: 10})

	for i := 0; i < 10; i++ {
		require.True(t, limiter.Allow(), "request %d is within the burst", i)
	}
	assert.False(t, limiter.Allow())

	// 10 req/s refills one token every 100ms.
	time.Sleep(120 * time.Millisecond)
	assert.True(t, limiter.Allow())
}

func TestWait(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 20, Burst: 1})
	require.True(t, limiter.Allow())

	start := time.Now()
	require.NoError(t, limiter.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWaitCanceled(t *testing.T) {
	limiter := New(Config{RequestsPerSecond: 1, Burst: 1})
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.Error(t, limiter.Wait(ctx))
}

func TestNilLimiter(t *testing.T) {
	var limiter *RateLimiter

	for j := 0; j < 1000; j++ {
		require.True(t, limiter.Allow())
	}
	assert.NoError(t, limiter.Wait(context.Background()))
	assert.Zero(t, limiter.Tokens())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, limiter.Wait(ctx), context.Canceled)
}

func BenchmarkAllow(b *testing.B) {
	limiter := New(Config{RequestsPerSecond: 1_000_000_000})
	b.ResetTimer()
	for j := 0; j < b.N; j++ {
		limiter.Allow()
	}
}
