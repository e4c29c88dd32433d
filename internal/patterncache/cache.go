package patterncache

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/axonops/regexcache/internal/engine"
	"github.com/axonops/regexcache/internal/hashkey"
	"github.com/axonops/regexcache/internal/metrics"
	"github.com/axonops/regexcache/internal/rcconfig"
)

// DeferredSink is the seam patterncache needs into the Deferred Reclamation
// Cache (spec §4.3), defined here (the consumer) rather than imported from
// there, so Pattern and Deferred stay peer packages with no import cycle
// between them (spec §2's dependency order: both sit below the Eviction
// Engine, neither depends on the other).
type DeferredSink interface {
	// Add hands an entry that has left the LIVE store to the deferred tier.
	// The caller (EvictEntry, Clear) sets Membership to Deferred before
	// calling Add; the sink does not change it.
	Add(e *Entry)

	// ReclaimIfZero is invoked by Release when it observes a DEFERRED entry's
	// refcount drop to zero. The sink destroys the program immediately if it
	// still owns the entry and the count is indeed zero.
	ReclaimIfZero(e *Entry)
}

// Cache is the Pattern Compilation Cache (spec §4.1).
type Cache struct {
	store    store
	compiler engine.Compiler
	cfg      rcconfig.PatternCache
	metrics  *metrics.PatternCache
	deferred DeferredSink

	group singleflight.Group

	handlesMu sync.Mutex
	handles   map[uint64]*Entry
	nextID    atomic.Uint64

	negativeTTL time.Duration

	now func() time.Time
}

// New constructs a Pattern Cache. deferred may be nil only in tests that
// never exercise the eviction-while-referenced path.
func New(compiler engine.Compiler, cfg rcconfig.PatternCache, m *metrics.PatternCache, deferred DeferredSink) *Cache {
	var s store
	if cfg.MapImpl == rcconfig.MapImplConcurrent {
		s = newConcurrentStore()
	} else {
		s = newRWLockStore()
	}
	m.SetCapacity(int64(cfg.Capacity))
	return &Cache{
		store:       s,
		compiler:    compiler,
		cfg:         cfg,
		metrics:     m,
		deferred:    deferred,
		handles:     make(map[uint64]*Entry),
		negativeTTL: time.Second,
		now:         time.Now,
	}
}

// Acquire implements spec §4.1's acquire operation: compile-at-most-once
// single flight, refcount increment on hit, negative-cache short-circuit on
// a recently-failed compile.
func (c *Cache) Acquire(d hashkey.Descriptor) (handle uint64, compileErr *engine.CompileError) {
	key := d.CanonicalKey()
	now := c.now()

	if e, ok := c.store.load(key); ok {
		if e.ok() {
			return c.refAndHandle(e, true), nil
		}
		if now.Before(e.protectedUntil) {
			// Negative cache still warm: suppress a thundering retry.
			c.metrics.AddCompilationsFailed(1)
			return 0, e.CompileErr
		}
		// Negative cache expired: erase it and fall through to recompile.
		c.store.deleteIfSame(key, e)
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.compileAndInsert(d, key, now)
	})
	if err != nil {
		// err is always an *engine.CompileError by construction below.
		return 0, err.(*engine.CompileError)
	}
	entry := v.(*Entry)
	if !entry.ok() {
		return 0, entry.CompileErr
	}
	return c.refAndHandle(entry, false), nil
}

// compileAndInsert runs under the single-flight group: exactly one caller
// per key executes this, losers receive the same *Entry (or the same error)
// without re-invoking the engine (spec invariant #2, single-flight).
func (c *Cache) compileAndInsert(d hashkey.Descriptor, key string, now time.Time) (interface{}, error) {
	if existing, ok := c.store.load(key); ok && existing.ok() {
		// Someone else inserted a good entry while we queued for the group.
		return existing, nil
	}

	prog, err := c.compiler.Compile(d.Pattern, hashkey.Canonicalize(d.Options))
	if err != nil {
		cerr := err.(*engine.CompileError)
		neg := newEntry(d, now, c.negativeTTL)
		neg.CompileErr = cerr
		actual, loaded := c.store.loadOrStore(key, neg)
		c.metrics.AddCompilationsFailed(1)
		if loaded && actual.ok() {
			return actual, nil
		}
		return nil, cerr
	}

	e := newEntry(d, now, time.Duration(c.cfg.ProtectionSeconds)*time.Second)
	e.Program = prog
	e.SizeBytes = prog.SizeBytes()
	e.NumGroups = prog.NumGroups()
	// refcount starts at 0 here, not 1: refAndHandle (called by every Acquire,
	// including this winning one) is what credits the handle about to be
	// returned, so a fresh compile ends at refcount=1 per spec §4.1, not 2.

	actual, loaded := c.store.loadOrStore(key, e)
	if loaded {
		// A concurrent negative-cache entry expired and someone raced us;
		// extremely unlikely with single-flight keyed on the same string,
		// but loadOrStore is the erase-safe seam so we honor whatever won.
		if actual.ok() {
			prog.Destroy() // our compile lost the race; don't leak it.
			return actual, nil
		}
	}
	c.metrics.AddCompilationsSucceeded(1)
	c.metrics.AddEntries(1)
	return e, nil
}

func (c *Cache) refAndHandle(e *Entry, hit bool) uint64 {
	e.refcount.Add(1)
	e.touch(c.now())

	id := c.nextID.Add(1)
	c.handlesMu.Lock()
	c.handles[id] = e
	c.handlesMu.Unlock()
	if hit {
		c.metrics.AddHits(1)
	} else {
		c.metrics.AddMisses(1)
	}
	return id
}

// Release implements spec §4.1's release operation. It is idempotent on
// double-release: the second call finds no handle and reports ok=false so
// the caller can log MISUSE without crashing (spec §7).
func (c *Cache) Release(handle uint64) (ok bool) {
	c.handlesMu.Lock()
	e, found := c.handles[handle]
	if found {
		delete(c.handles, handle)
	}
	c.handlesMu.Unlock()
	if !found {
		return false
	}

	newCount := e.refcount.Add(-1)
	if e.Membership() == Deferred && newCount == 0 && c.deferred != nil {
		c.deferred.ReclaimIfZero(e)
	}
	return true
}

// EntryForHandle returns the Entry a live handle refers to, without
// touching its refcount or last-used timestamp (the Handle API's match
// operations call this to reach the compiled engine.Program; the handle
// itself is what keeps the entry alive, so no additional ref is taken).
func (c *Cache) EntryForHandle(handle uint64) (*Entry, bool) {
	c.handlesMu.Lock()
	e, ok := c.handles[handle]
	c.handlesMu.Unlock()
	return e, ok
}

// Stats is the shape lookup_stats() returns (spec §4.1).
type Stats struct {
	Exists    bool
	Refcount  int64
	LastUsed  time.Time
	SizeBytes int
	NumGroups int
}

func (c *Cache) LookupStats(d hashkey.Descriptor) Stats {
	e, ok := c.store.load(d.CanonicalKey())
	if !ok || !e.ok() {
		return Stats{}
	}
	return Stats{
		Exists:    true,
		Refcount:  e.Refcount(),
		LastUsed:  e.LastUsed(),
		SizeBytes: e.SizeBytes,
		NumGroups: e.NumGroups,
	}
}

// Clear atomically moves every LIVE entry to DEFERRED (spec §4.1's clear()).
// Negative-cache markers (no Program) are simply dropped: there is nothing
// to reclaim for a failed compilation.
func (c *Cache) Clear() {
	for _, e := range c.store.drainAll() {
		if !e.ok() {
			continue
		}
		e.membership.Store(int32(Deferred))
		c.metrics.AddEntries(-1)
		if c.deferred != nil {
			c.deferred.Add(e)
		}
	}
}

// Len reports the current LIVE entry count, for the eviction engine's
// capacity check (spec §4.4 step 1).
func (c *Cache) Len() int { return c.store.len() }

// SampleVictims draws a random sample for the sampled-LRU eviction pass
// (spec §4.1 "Sampled LRU"). Degrades to a full scan when k >= size (§8
// boundary behavior).
func (c *Cache) SampleVictims(k int) []*Entry { return c.store.sample(k) }

// ForEachIdleCandidate visits live entries for the idle-expiry scan (spec
// §4.4 step 2); the eviction engine bounds how much of this it consumes per
// tick.
func (c *Cache) ForEachIdleCandidate(f func(e *Entry) bool) {
	c.store.forEach(func(_ string, e *Entry) bool { return f(e) })
}

// EvictionCause records why EvictEntry was called, for the matching
// evictions_lru / evictions_idle counter (spec §4.6).
type EvictionCause int

const (
	EvictionLRU EvictionCause = iota
	EvictionIdle
)

// EvictEntry attempts an erase-safe removal of exactly e from the LIVE
// store. It re-checks identity under the store's own erase lock, so a
// victim that was replaced or removed between sampling and erase is
// skipped. It does not look at refcount or LastUsed under that lock: a
// victim acquired again after sampling is the same entry and is still
// evicted. The eviction engine checks only e.Protected before calling this.
//
// Implements spec §4.1's "Eviction of a live entry": the entry leaves the
// LIVE map; if its refcount is zero it is destroyed immediately, otherwise
// it is handed to the Deferred Cache to await refcount reaching zero.
func (c *Cache) EvictEntry(e *Entry, cause EvictionCause) bool {
	key := e.Descriptor.CanonicalKey()
	if !c.store.deleteIfSame(key, e) {
		return false
	}
	c.metrics.AddEntries(-1)
	switch cause {
	case EvictionLRU:
		c.metrics.AddEvictionsLRU(1)
	case EvictionIdle:
		c.metrics.AddEvictionsIdle(1)
	}

	if e.Refcount() == 0 {
		MarkDetached(e)
		if e.Program != nil {
			e.Program.Destroy()
		}
		return true
	}

	e.membership.Store(int32(Deferred))
	if c.deferred != nil {
		c.deferred.Add(e)
	}
	return true
}
