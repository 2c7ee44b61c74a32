package security

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const (
	// DefaultRateLimiterMaxEntries bounds the number of tracked identifiers.
	DefaultRateLimiterMaxEntries = 10000

	// DefaultRateLimiterIdleTimeout drops limiters that saw no traffic.
	DefaultRateLimiterIdleTimeout = 30 * time.Minute
)

// RateLimiter is a per-identifier token bucket limiter. Buckets live in a
// TTL cache with a capacity bound; the least recently used bucket is evicted
// when the bound is reached and idle buckets expire.
type RateLimiter struct {
	cache      *ttlcache.Cache[string, *rate.Limiter]
	limit      rate.Limit
	burst      int
	maxEntries int
	logger     *slog.Logger

	evictions atomic.Int64
	stopOnce  sync.Once
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the given
// burst for each identifier, tracking at most DefaultRateLimiterMaxEntries.
func NewRateLimiter(requestsPerSecond, burst int, logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(requestsPerSecond, burst, DefaultRateLimiterMaxEntries, logger)
}

// NewRateLimiterWithConfig is NewRateLimiter with an explicit entry bound.
// maxEntries 0 means unbounded. Call Stop to release the expiry goroutine.
func NewRateLimiterWithConfig(requestsPerSecond, burst, maxEntries int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries < 0 {
		logger.Warn("Invalid rate limiter maxEntries, using default", "maxEntries", maxEntries)
		maxEntries = DefaultRateLimiterMaxEntries
	}

	opts := []ttlcache.Option[string, *rate.Limiter]{
		ttlcache.WithTTL[string, *rate.Limiter](DefaultRateLimiterIdleTimeout),
	}
	if maxEntries > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, *rate.Limiter](uint64(maxEntries)))
	}

	rl := &RateLimiter{
		cache:      ttlcache.New(opts...),
		limit:      rate.Limit(requestsPerSecond),
		burst:      burst,
		maxEntries: maxEntries,
		logger:     logger,
	}
	rl.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *rate.Limiter]) {
		if reason == ttlcache.EvictionReasonCapacityReached {
			rl.evictions.Add(1)
			rl.logger.Debug("Evicted rate limiter entry", "identifier", item.Key())
		}
	})
	go rl.cache.Start()

	return rl
}

// Allow reports whether one more request from identifier fits its bucket.
func (rl *RateLimiter) Allow(identifier string) bool {
	item, _ := rl.cache.GetOrSet(identifier, rate.NewLimiter(rl.limit, rl.burst))
	return item.Value().Allow()
}

// Cleanup drops expired buckets immediately instead of waiting for the
// background expiry.
func (rl *RateLimiter) Cleanup() {
	rl.cache.DeleteExpired()
}

// Stop ends the expiry goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(rl.cache.Stop)
}

// Stats describes limiter occupancy.
type Stats struct {
	CurrentEntries int
	MaxEntries     int
	TotalEvictions int64
	MemoryPressure float64 // percent of MaxEntries in use
}

// GetStats returns the current occupancy.
func (rl *RateLimiter) GetStats() Stats {
	stats := Stats{
		CurrentEntries: rl.cache.Len(),
		MaxEntries:     rl.maxEntries,
		TotalEvictions: rl.evictions.Load(),
	}
	if rl.maxEntries > 0 {
		stats.MemoryPressure = float64(stats.CurrentEntries) / float64(rl.maxEntries) * 100.0
	}
	return stats
}
