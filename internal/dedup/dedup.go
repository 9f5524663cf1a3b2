package dedup

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stoqline/pulse/internal/logging"
	"github.com/stoqline/pulse/internal/metrics"
	"github.com/stoqline/pulse/pkg/events"
)

// Config contains dedup cache configuration
type Config struct {
	// How long an effective id suppresses repeats
	TTL time.Duration

	// Time bucket for the derived-id fallback
	IDBucket time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		TTL:      5 * time.Second,
		IDBucket: events.DefaultIDBucket,
	}
}

// Cache collapses an at-least-once event stream into an effectively-once
// stream within a bounded time window. Each accepted id is evicted by its
// own one-shot timer; there is no sweep goroutine, so worst-case size is
// bounded by event rate times TTL.
type Cache struct {
	config  Config
	entries map[string]*time.Timer
	mu      sync.Mutex
	stopped bool
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// replaceable for deterministic tests
	now func() time.Time
}

// NewCache creates a new dedup cache
func NewCache(config Config) *Cache {
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.IDBucket <= 0 {
		config.IDBucket = DefaultConfig().IDBucket
	}

	return &Cache{
		config:  config,
		entries: make(map[string]*time.Timer),
		logger:  logging.Component("dedup"),
		metrics: metrics.GetMetrics(),
		now:     time.Now,
	}
}

// Accept reports whether the event should reach downstream consumers,
// along with the effective id computed for it. The first arrival of an
// effective id within the TTL window is accepted and scheduled for
// eviction; every later arrival with the same id is dropped until the
// eviction fires. Consumers must reuse the returned id for anything
// keyed per event, so that derived ids are computed exactly once.
func (c *Cache) Accept(ev events.Event) (string, bool) {
	id := events.EffectiveID(ev, c.now(), c.config.IDBucket)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return id, false
	}

	if _, seen := c.entries[id]; seen {
		c.metrics.EventsSuppressedTotal.WithLabelValues("duplicate").Inc()
		c.logger.Debug().Str("effective_id", id).Msg("Duplicate event suppressed")
		return id, false
	}

	c.entries[id] = time.AfterFunc(c.config.TTL, func() {
		c.evict(id)
	})
	c.metrics.DedupCacheSize.Set(float64(len(c.entries)))

	return id, true
}

// evict removes an expired id. Fires exactly once per insertion.
func (c *Cache) evict(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	delete(c.entries, id)
	c.metrics.DedupCacheSize.Set(float64(len(c.entries)))
}

// Size returns the number of ids currently suppressing repeats.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop cancels every pending eviction timer and rejects further events.
// After Stop returns no timer callback touches cache state.
func (c *Cache) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}
	c.stopped = true

	for id, timer := range c.entries {
		timer.Stop()
		delete(c.entries, id)
	}
	c.metrics.DedupCacheSize.Set(0)
}
