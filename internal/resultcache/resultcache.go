// Package resultcache implements the Pattern Result Cache (spec §4.2): a
// capacity- and idle-timeout-bounded cache of (pattern, input) match
// outcomes. It holds no reference to any CompiledPattern — its keys are
// pure values (hashkey.ResultKey) — so a Pattern Cache eviction never
// invalidates an entry here (spec §4.2, "Correctness").
package resultcache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/axonops/regexcache/internal/engine"
	"github.com/axonops/regexcache/internal/hashkey"
	"github.com/axonops/regexcache/internal/metrics"
	"github.com/axonops/regexcache/internal/rcconfig"
)

// Entry is the spec's ResultEntry: an immutable match outcome. Created once
// on insert, never mutated, destroyed only by eviction or Clear.
type Entry struct {
	Matched bool
	Groups  []engine.Span
	Input   []byte // owned copy; see spec §5 "Memory"
}

// Cache wraps an expirable LRU, which provides the capacity-bounded LRU and
// the per-entry TTL, so this package adds only the plumbing (metrics,
// capacity-0-disables semantics) on top. The TTL (idle_timeout_seconds)
// runs from an entry's last Insert; a Lookup hit does not extend it.
type Cache struct {
	store   *lru.LRU[string, Entry]
	metrics *metrics.ResultCache
	enabled bool
}

// New constructs a Result Cache. Capacity 0 disables it entirely: Insert
// becomes a no-op and Lookup always misses, per spec §4.2's "Disabled when
// configured capacity is zero."
func New(cfg rcconfig.ResultCache, m *metrics.ResultCache) *Cache {
	m.SetCapacity(int64(cfg.Capacity))
	if cfg.Capacity <= 0 {
		return &Cache{metrics: m, enabled: false}
	}
	idle := time.Duration(cfg.IdleTimeoutSeconds) * time.Second
	if idle <= 0 {
		// expirable.NewLRU treats ttl<=0 as "entries never expire", which is
		// exactly the §8 boundary behavior ("Idle timeout of 0 disables idle
		// eviction") applied to this cache too.
		idle = 0
	}
	c := &Cache{metrics: m, enabled: true}
	// expirable.LRU fuses capacity-driven and TTL-driven eviction through the
	// same callback; it has no way to tell us which cause fired a given
	// entry, so both are folded into evictions_idle here (the cache's own
	// background reaper is what actually drives almost all of its evictions
	// in the workloads this component targets — repeated-input dedup with a
	// short TTL). The capacity path contributes evictions_idle too rather
	// than go unreported.
	c.store = lru.NewLRU[string, Entry](cfg.Capacity, func(string, Entry) {
		c.metrics.AddEntries(-1)
		c.metrics.AddEvictionsIdle(1)
	}, idle)
	return c
}

// Lookup implements spec §4.2's lookup operation.
func (c *Cache) Lookup(key hashkey.ResultKey) (Entry, bool) {
	if !c.enabled {
		c.metrics.AddMisses(1)
		return Entry{}, false
	}
	e, ok := c.store.Get(key.String())
	if !ok {
		c.metrics.AddMisses(1)
		return Entry{}, false
	}
	c.metrics.AddHits(1)
	return e, true
}

// Insert implements spec §4.2's insert operation. The input is copied
// before storage: per spec §5 ("The Result Cache owns its copied input
// bytes; no dangling views"), a caller reusing its buffer after this call
// must never observe it aliased into cached state.
func (c *Cache) Insert(key hashkey.ResultKey, e Entry) {
	if !c.enabled {
		return
	}
	if e.Input != nil {
		e.Input = append([]byte(nil), e.Input...)
	}
	k := key.String()
	isNew := !c.store.Contains(k)
	c.store.Add(k, e)
	if isNew {
		c.metrics.AddEntries(1)
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	if !c.enabled {
		return
	}
	c.store.Purge()
	c.metrics.SetEntries(0)
}

// Len reports the current entry count (0 when disabled).
func (c *Cache) Len() int {
	if !c.enabled {
		return 0
	}
	return c.store.Len()
}
