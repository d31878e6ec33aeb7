package cache

import (
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/grid-carbon/pkg/gridcarbon/carbon"
)

// Cache provides thread-safe caching of fuel mix observations with TTL
type Cache struct {
	data    map[string]*cacheEntry
	mutex   sync.RWMutex
	ttl     time.Duration
	maxAge  time.Duration
	stopCh  chan struct{}
	metrics *metrics
}

type cacheEntry struct {
	mix       *carbon.FuelMix
	timestamp time.Time
	hits      int64
}

type metrics struct {
	hits   int64
	misses int64
	mutex  sync.RWMutex
}

// New creates a new cache instance
func New(ttl time.Duration, maxAge time.Duration) *Cache {
	// Ensure TTL and maxAge are positive
	if ttl <= 0 {
		ttl = time.Minute // Default to 1 minute if not set
	}
	if maxAge <= 0 {
		maxAge = time.Hour // Default to 1 hour if not set
	}

	c := &Cache{
		data: make(map[string]*cacheEntry),
		// For cache freshness purposes at get time.
		ttl: ttl,
		// Age to clean-up unaccessed items.
		maxAge:  maxAge,
		stopCh:  make(chan struct{}),
		metrics: &metrics{},
	}

	// Start cleanup goroutine
	go c.cleanup()

	return c
}

// Get retrieves a fuel mix from cache if still fresh
func (c *Cache) Get(key string) (*carbon.FuelMix, bool) {
	c.mutex.RLock()
	entry, exists := c.data[key]
	c.mutex.RUnlock()

	if !exists {
		c.recordMiss()
		return nil, false
	}

	age := time.Since(entry.timestamp)
	if age > c.ttl {
		c.recordMiss()
		return nil, false
	}

	// Update metrics under write lock
	c.mutex.Lock()
	entry.hits++
	c.recordHit()
	c.mutex.Unlock()

	return entry.mix, true
}

// Set stores a fuel mix in cache
// Important: continuous polling and on-demand fetches can race, so a mix with
// an older observation timestamp never overwrites a newer one already cached.
func (c *Cache) Set(key string, mix *carbon.FuelMix) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if existing, exists := c.data[key]; exists {
		if mix.Timestamp().Before(existing.mix.Timestamp()) {
			klog.V(3).InfoS("Skipping cache update with older observation",
				"key", key,
				"existingTimestamp", existing.mix.Timestamp(),
				"newTimestamp", mix.Timestamp())
			return
		}
	}

	c.data[key] = &cacheEntry{
		mix:       mix,
		timestamp: time.Now(),
		hits:      0,
	}

	klog.V(4).InfoS("Cached fuel mix",
		"key", key,
		"observationTimestamp", mix.Timestamp(),
		"totalMW", mix.TotalMW())
}

// GetMetrics returns cache performance metrics
func (c *Cache) GetMetrics() (hits, misses int64) {
	c.metrics.mutex.RLock()
	defer c.metrics.mutex.RUnlock()
	return c.metrics.hits, c.metrics.misses
}

func (c *Cache) recordHit() {
	c.metrics.mutex.Lock()
	c.metrics.hits++
	c.metrics.mutex.Unlock()
}

func (c *Cache) recordMiss() {
	c.metrics.mutex.Lock()
	c.metrics.misses++
	c.metrics.mutex.Unlock()
}

// ensurePositiveDuration makes sure a duration is positive
func ensurePositiveDuration(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Minute // Default to 1 minute if duration is not positive
	}
	return d
}

// cleanup periodically removes expired entries
func (c *Cache) cleanup() {
	ticker := time.NewTicker(ensurePositiveDuration(c.ttl))
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *Cache) removeExpired() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	for key, entry := range c.data {
		age := now.Sub(entry.timestamp)
		if age > c.maxAge {
			delete(c.data, key)
			klog.V(4).InfoS("Removed expired cache entry",
				"key", key,
				"age", age.String(),
				"hits", entry.hits)
		}
	}
}

// Close stops the cleanup goroutine
func (c *Cache) Close() {
	close(c.stopCh)
}

// Clear removes all entries from the cache
func (c *Cache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data = make(map[string]*cacheEntry)
	klog.V(4).Info("Cleared cache")
}

// Size returns the number of entries in the cache
func (c *Cache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.data)
}

// Keys returns a list of cached keys
func (c *Cache) Keys() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	keys := make([]string, 0, len(c.data))
	for key := range c.data {
		keys = append(keys, key)
	}
	return keys
}
