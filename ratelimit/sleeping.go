package ratelimit

import (
	"context"
	"math"

	"github.com/canopy-network/finality/lib"
)

// SleepingRateLimiter paces byte streams through a shared token bucket, one token per byte
type SleepingRateLimiter struct {
	bucket  *TokenBucket
	metrics *lib.Metrics
}

// NewSleepingRateLimiter() creates a byte rate limiter from the p2p configuration
func NewSleepingRateLimiter(c lib.P2PConfig, clock Clock, metrics *lib.Metrics) (*SleepingRateLimiter, lib.ErrorI) {
	bucket, err := NewTokenBucket(c.RateLimitTokensPerSecond, c.RateLimitBurstCapacity, clock)
	if err != nil {
		return nil, err
	}
	return &SleepingRateLimiter{bucket: bucket, metrics: metrics}, nil
}

// RateLimit() suspends the caller until `bytes` may be sent
// requests larger than the burst capacity are split into capacity sized pieces
func (s *SleepingRateLimiter) RateLimit(ctx context.Context, bytes int) error {
	if bytes <= 0 {
		return nil
	}
	start := s.bucket.clock.Now()
	defer func() { s.metrics.ObserveRateLimitWait(s.bucket.clock.Now().Sub(start)) }()
	remaining := float64(bytes)
	for remaining > 0 {
		chunk := math.Min(remaining, s.bucket.Capacity())
		if err := s.bucket.Acquire(ctx, chunk); err != nil {
			// the capacity may shrink between reading it and acquiring, retry with the new size
			if lib.IsError(err, lib.CodeRequestExceedsCapacity, lib.RateLimitModule) {
				continue
			}
			return err
		}
		remaining -= chunk
	}
	return nil
}

// Reconfigure() changes the sustained rate and burst of the limiter
func (s *SleepingRateLimiter) Reconfigure(tokensPerSecond, burst float64) lib.ErrorI {
	return s.bucket.Reconfigure(tokensPerSecond, burst)
}

// Bucket() exposes the underlying token bucket
func (s *SleepingRateLimiter) Bucket() *TokenBucket { return s.bucket }
