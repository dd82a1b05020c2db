// Package cache keeps recently used flight log records in memory.
//
// Records are immutable once ingested, so entries never need invalidation
// on write; they expire by TTL and are evicted least recently used first.
// Concurrent misses for the same log share one store read.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

// Defaults for NewLogCache.
const (
	DefaultSize = 16
	DefaultTTL  = 10 * time.Minute
)

// Stats are cache counters since creation.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Entries int    `json:"entries"`
}

// LogCache is a telemetry.LogProvider that caches another provider.
type LogCache struct {
	next  telemetry.LogProvider
	lru   *expirable.LRU[string, *telemetry.LogRecord]
	group singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewLogCache caches up to size records of next for ttl each. Non-positive
// values select the defaults.
func NewLogCache(next telemetry.LogProvider, size int, ttl time.Duration) *LogCache {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LogCache{
		next: next,
		lru:  expirable.NewLRU[string, *telemetry.LogRecord](size, nil, ttl),
	}
}

// GetLog returns the cached record or reads it through. Errors are not
// cached.
func (c *LogCache) GetLog(ctx context.Context, logID string) (*telemetry.LogRecord, error) {
	if rec, ok := c.lru.Get(logID); ok {
		c.hits.Add(1)
		return rec, nil
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(logID, func() (any, error) {
		rec, err := c.next.GetLog(ctx, logID)
		if err != nil {
			return nil, err
		}
		c.lru.Add(logID, rec)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*telemetry.LogRecord), nil
}

// Invalidate drops one log.
func (c *LogCache) Invalidate(logID string) { c.lru.Remove(logID) }

// Purge drops every entry.
func (c *LogCache) Purge() { c.lru.Purge() }

// GetStats returns the hit and miss counters.
func (c *LogCache) GetStats() Stats {
	return Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Entries: c.lru.Len()}
}
