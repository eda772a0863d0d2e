// Package cache implements the TTL-aware, bounded, LRU-evicting, concurrent
// -safe response cache described in spec §4.2. It is grounded on
// folbricht-routedns's lru-cache.go/cache-memory.go pairing: a hand-rolled
// doubly-linked-list LRU guarded by one mutex, with a periodic GC sweep.
package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrel-dns/dohresolver/internal/domain"
	"github.com/kestrel-dns/dohresolver/internal/reporter"
)

// maxCacheableTTLSeconds bounds the TTL a single entry may carry. It guards
// against a corrupt or malicious upstream answer parking an entry for years
// and is modeled on folbricht-routedns's CacheRcodeMaxTTL/MaxTTL sanity cap,
// except a TTL past the bound is rejected here rather than clamped: it
// indicates the entry should not be trusted at all, not merely shortened.
const maxCacheableTTLSeconds = 7 * 24 * 60 * 60 // one week

// Stats are the monotonic counters spec §4.2 requires: hits, misses, sets,
// deletes, expired, evicted, errors.
type Stats struct {
	Hits    int64
	Misses  int64
	Sets    int64
	Deletes int64
	Expired int64
	Evicted int64
	Errors  int64
}

// Cache is the concurrency-safe (name,type)->Response cache.
type Cache struct {
	mu      sync.Mutex
	lru     *lru
	maxSize int
	now     func() time.Time
	log     *slog.Logger
	stats   Stats
}

var _ reporter.Reporter = (*Cache)(nil)

// New constructs a Cache bounded to maxSize entries. maxSize must be > 0 per
// spec §6 (`cache_size`).
func New(maxSize int, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		lru:     newLRU(maxSize),
		maxSize: maxSize,
		now:     time.Now,
		log:     log,
	}
}

func cacheKey(name string, qtyp domain.QType) key {
	return key{name: domain.NormalizeName(name), qtyp: qtyp}
}

// Get looks up (name, type). On a hit it returns a fresh Response whose TTL
// is the remaining time-to-live, not the originally stored TTL, and whose
// Source is domain.SourceCache, per spec §4.2/§3.
func (c *Cache) Get(name string, qtyp domain.QType) (domain.Response, bool) {
	k := cacheKey(name, qtyp)
	now := c.now()
	nowNanos := now.UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lru.touch(k)
	if e == nil {
		c.stats.Misses++
		return domain.Response{}, false
	}

	if nowNanos >= e.expiresAt {
		c.lru.delete(k)
		c.stats.Misses++
		c.stats.Expired++
		c.log.Debug("cache entry expired on lookup", "name", k.name, "type", string(qtyp))
		return domain.Response{}, false
	}

	e.hitCount++
	e.lastAccess = nowNanos
	c.stats.Hits++

	remaining := e.expiresAt - nowNanos
	ttl := int(remaining / int64(time.Second))
	if ttl < 0 {
		ttl = 0
	}

	resp := e.payload
	resp.TTL = ttl
	resp.Source = domain.SourceCache
	resp.At = now
	resp.Answers = append([]domain.Answer(nil), e.payload.Answers...)
	return resp, true
}

// Set stores resp keyed by (resp.Name, resp.Type). A non-positive TTL is
// negative-caching: spec §4.2 says it is not stored at all. Setting an
// existing key fully replaces its payload, TTL and recency; nothing from
// the prior entry survives.
//
// Set returns a *domain.CacheError, and stores nothing, when resp.TTL
// exceeds maxCacheableTTLSeconds. Per spec §7 this is always recovered by
// the caller: the response is still returned to the client, it is simply
// not cached.
func (c *Cache) Set(resp domain.Response) error {
	if resp.TTL <= 0 {
		return nil
	}
	if resp.TTL > maxCacheableTTLSeconds {
		c.mu.Lock()
		c.stats.Errors++
		c.mu.Unlock()
		return &domain.CacheError{
			Op:  "set",
			Err: fmt.Errorf("ttl %ds for %s/%s exceeds maximum cacheable ttl %ds", resp.TTL, resp.Name, resp.Type, maxCacheableTTLSeconds),
		}
	}

	k := cacheKey(resp.Name, resp.Type)
	now := c.now()
	nowNanos := now.UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.delete(k) // drop any existing entry so insert() doesn't double-count it

	e := &entry{
		key:        k,
		payload:    resp,
		storedAt:   nowNanos,
		expiresAt:  nowNanos + int64(resp.TTL)*int64(time.Second),
		hitCount:   0,
		lastAccess: nowNanos,
	}

	if victim, evicted := c.lru.insert(e); evicted {
		c.stats.Evicted++
		c.log.Debug("cache evicted LRU entry", "name", victim.name, "type", string(victim.qtyp))
	}
	c.stats.Sets++
	return nil
}

// Delete removes (name, type) if present.
func (c *Cache) Delete(name string, qtyp domain.QType) bool {
	k := cacheKey(name, qtyp)
	c.mu.Lock()
	defer c.mu.Unlock()
	deleted := c.lru.delete(k)
	if deleted {
		c.stats.Deletes++
	}
	return deleted
}

// CleanupExpired scans and removes entries where now >= expires_at,
// returning the number removed.
func (c *Cache) CleanupExpired() int {
	now := c.now().UnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := c.lru.forEachExpired(now, nil)
	c.stats.Expired += int64(removed)
	return removed
}

// Size returns the current entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.size()
}

// Snapshot returns a copy of the current counters.
func (c *Cache) Snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// RunGC runs CleanupExpired every period until stop is closed. Grounded on
// folbricht-routedns's memoryBackend.startGC loop.
func (c *Cache) RunGC(period time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			removed := c.CleanupExpired()
			if removed > 0 {
				c.log.Debug("cache gc", "removed", removed, "size", c.Size())
			}
		}
	}
}

// Name implements reporter.Reporter.
func (c *Cache) Name() string { return "Cache" }

// Report implements reporter.Reporter.
func (c *Cache) Report(resetCounters bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	size := c.lru.size()
	line := sprintfStats(size, c.maxSize, s)
	if resetCounters {
		c.stats = Stats{}
	}
	return line
}

func sprintfStats(size, maxSize int, s Stats) string {
	return fmt.Sprintf("size=%d/%d hits=%d misses=%d sets=%d deletes=%d expired=%d evicted=%d errors=%d",
		size, maxSize, s.Hits, s.Misses, s.Sets, s.Deletes, s.Expired, s.Evicted, s.Errors)
}
