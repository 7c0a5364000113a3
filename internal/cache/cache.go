// Package cache holds computed analysis results and rendered reports in
// memory. Entries expire lazily on read and during periodic sweeps.
package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-auditor/internal/audit"
	"github.com/JakeFAU/site-auditor/internal/telemetry"
)

// Key addresses a cached value. An empty Lang addresses the full result;
// a non-empty Lang addresses the report rendered in that language.
type Key struct {
	AnalysisID string
	Lang       string
}

func (k Key) class() string {
	if k.Lang == "" {
		return "result"
	}
	return "rendered"
}

// Config tunes expiry.
type Config struct {
	ResultTTL     time.Duration
	RenderedTTL   time.Duration
	SweepInterval time.Duration
}

// Defaults used when a Config field is zero.
const (
	DefaultResultTTL     = time.Hour
	DefaultRenderedTTL   = 10 * time.Minute
	DefaultSweepInterval = 5 * time.Minute
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg    Config
	clock  audit.Clock
	logger *zap.Logger

	mu sync.Mutex
	// analysis ID -> lang -> entry
	buckets map[string]map[string]entry
}

// New creates an empty Cache.
func New(cfg Config, clk audit.Clock, logger *zap.Logger) *Cache {
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultResultTTL
	}
	if cfg.RenderedTTL <= 0 {
		cfg.RenderedTTL = DefaultRenderedTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:     cfg,
		clock:   clk,
		logger:  logger.Named("cache"),
		buckets: make(map[string]map[string]entry),
	}
}

// Set stores value under key with the TTL for the key's class.
func (c *Cache) Set(key Key, value any) {
	ttl := c.cfg.ResultTTL
	if key.Lang != "" {
		ttl = c.cfg.RenderedTTL
	}
	expires := c.clock.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	bucket, ok := c.buckets[key.AnalysisID]
	if !ok {
		bucket = make(map[string]entry)
		c.buckets[key.AnalysisID] = bucket
	}
	bucket[key.Lang] = entry{value: value, expiresAt: expires}
}

// Get returns the value under key. Expired entries are removed and miss.
func (c *Cache) Get(key Key) (any, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	bucket := c.buckets[key.AnalysisID]
	e, ok := bucket[key.Lang]
	if ok && now.After(e.expiresAt) {
		delete(bucket, key.Lang)
		if len(bucket) == 0 {
			delete(c.buckets, key.AnalysisID)
		}
		ok = false
	}
	c.mu.Unlock()

	if ok {
		telemetry.ObserveCache(key.class(), "hit")
		return e.value, true
	}
	telemetry.ObserveCache(key.class(), "miss")
	return nil, false
}

// Invalidate drops the full result and every rendered variant of an analysis.
func (c *Cache) Invalidate(analysisID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buckets, analysisID)
}

// Len reports the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.buckets {
		n += len(b)
	}
	return n
}

// Sweep removes expired entries and returns how many it removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	removed := 0

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, bucket := range c.buckets {
		for lang, e := range bucket {
			if now.After(e.expiresAt) {
				delete(bucket, lang)
				removed++
			}
		}
		if len(bucket) == 0 {
			delete(c.buckets, id)
		}
	}
	return removed
}

// Run sweeps on the configured interval until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("evicted expired entries", zap.Int("count", n))
			}
		}
	}
}

var _ audit.Invalidator = (*Cache)(nil)
