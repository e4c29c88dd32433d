// Package deferredcache implements the Deferred Reclamation Cache (spec
// §4.3): a holding area for compiled programs whose LIVE eviction was
// requested while a caller still held a reference. Modeled on the two-tier
// active/retired resource cache pattern (an "active" map keyed by identity,
// drained by refcount), rather than the teacher's bounded LRU, because this
// tier has no capacity limit by design (spec: "caller discipline ... drains
// it rapidly").
package deferredcache

import (
	"sync"
	"time"

	"github.com/axonops/regexcache/internal/metrics"
	"github.com/axonops/regexcache/internal/patterncache"
)

// Cache holds patterncache.Entry values that have left the Pattern Cache's
// LIVE store but still have a nonzero refcount. It implements
// patterncache.DeferredSink.
type Cache struct {
	mu      sync.Mutex
	active  map[*patterncache.Entry]time.Time // entry -> moment of deferral
	metrics *metrics.DeferredCache
	onWarn  func(msg string, fields map[string]any)
}

// New constructs an empty Deferred Cache.
func New(m *metrics.DeferredCache, onWarn func(msg string, fields map[string]any)) *Cache {
	if onWarn == nil {
		onWarn = func(string, map[string]any) {}
	}
	return &Cache{
		active:  make(map[*patterncache.Entry]time.Time),
		metrics: m,
		onWarn:  onWarn,
	}
}

// Add implements patterncache.DeferredSink: a LIVE entry whose eviction was
// blocked by a nonzero refcount is handed here.
func (c *Cache) Add(e *patterncache.Entry) {
	c.mu.Lock()
	c.active[e] = time.Now()
	c.mu.Unlock()
	c.metrics.AddEntries(1)
}

// ReclaimIfZero implements patterncache.DeferredSink: called by Release when
// it observes a DEFERRED entry's refcount drop to zero. If this cache still
// owns the entry, it is destroyed immediately (the "immediate reclaim path"
// from spec §4.1's release operation), without waiting for the next sweep.
func (c *Cache) ReclaimIfZero(e *patterncache.Entry) {
	if e.Refcount() != 0 {
		return
	}
	c.mu.Lock()
	_, present := c.active[e]
	if present {
		delete(c.active, e)
	}
	c.mu.Unlock()
	if !present {
		return
	}
	c.destroy(e)
}

// Drain implements spec §4.3's drain(): every entry whose refcount has
// reached zero is detached and destroyed. Invoked by the background thread
// on the configured sweep interval.
func (c *Cache) Drain() (reclaimed int) {
	var victims []*patterncache.Entry
	c.mu.Lock()
	for e := range c.active {
		if e.Refcount() == 0 {
			victims = append(victims, e)
			delete(c.active, e)
		}
	}
	c.mu.Unlock()

	for _, e := range victims {
		c.destroy(e)
		reclaimed++
	}
	return reclaimed
}

// ForceDrain implements spec §4.3's force_drain(): destroys every entry
// regardless of refcount. Intended only for shutdown under caller
// discipline; emits a warning metric per forcibly reclaimed live entry
// (spec §4.3, §8 scenario E6).
func (c *Cache) ForceDrain() (forced int) {
	c.mu.Lock()
	victims := make([]*patterncache.Entry, 0, len(c.active))
	for e := range c.active {
		victims = append(victims, e)
	}
	c.active = make(map[*patterncache.Entry]time.Time)
	c.mu.Unlock()

	for _, e := range victims {
		if e.Refcount() != 0 {
			c.onWarn("force_drain: destroying program still referenced by a live handle", map[string]any{
				"pattern":  e.Descriptor.Pattern,
				"refcount": e.Refcount(),
			})
			c.metrics.AddEvictionsSkippedInUse(1)
		}
		c.destroy(e)
		forced++
	}
	return forced
}

func (c *Cache) destroy(e *patterncache.Entry) {
	patterncache.MarkDetached(e)
	if e.Program != nil {
		e.Program.Destroy()
	}
	c.metrics.AddEntries(-1)
	c.metrics.AddEvictionsDeferred(1)
}

// Len reports the number of entries currently awaiting reclamation.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
