// Package ratelimiter throttles the requests a single client connection may
// submit, using a token bucket from golang.org/x/time/rate.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// Config sets the sustained rate and the burst a connection may use.
type Config struct {
	// RequestsPerSecond is the sustained rate. Zero disables limiting.
	RequestsPerSecond uint `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	// Burst is the bucket size. Zero means twice RequestsPerSecond.
	Burst uint `mapstructure:"burst" yaml:"burst"`
}

// Enabled reports whether the config limits anything.
func (c Config) Enabled() bool {
	return c.RequestsPerSecond > 0
}

// RateLimiter is a token bucket. A nil *RateLimiter never limits, so
// callers can hold one unconditionally.
//
// Safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New returns a limiter for cfg, or nil when cfg disables limiting.
func New(cfg Config) *RateLimiter {
	if !cfg.Enabled() {
		return nil
	}

	burst := cfg.Burst
	if burst == 0 {
		burst = cfg.RequestsPerSecond * 2
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(burst)),
	}
}

// Allow takes a token if one is available.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return ctx.Err()
	}
	return r.limiter.Wait(ctx)
}

// Tokens returns the tokens currently in the bucket.
func (r *RateLimiter) Tokens() float64 {
	if r == nil {
		return 0
	}
	return r.limiter.Tokens()
}
