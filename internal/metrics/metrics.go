// Package metrics implements the counters, gauges, and JSON snapshot
// described in spec §4.6. It sits above hashkey/rcconfig and below the
// three caches in the dependency order from §2: each cache holds its own
// counter set (*PatternCache, *ResultCache or *DeferredCache) and mutates it
// inline; nothing here reaches back into the caches.
package metrics

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// CacheCounters is the set of fields required per cache by spec §4.6.
type CacheCounters struct {
	Entries                   int64 `json:"entries"`
	Capacity                  int64 `json:"capacity"`
	Hits                      int64 `json:"hits"`
	Misses                    int64 `json:"misses"`
	EvictionsLRU              int64 `json:"evictions_lru"`
	EvictionsIdle             int64 `json:"evictions_idle"`
	EvictionsDeferred         int64 `json:"evictions_deferred"`
	EvictionsSkippedProtected int64 `json:"evictions_skipped_protected"`
	EvictionsSkippedInUse     int64 `json:"evictions_skipped_in_use"`

	// pattern-cache only
	CompilationsSucceeded int64 `json:"compilations_succeeded,omitempty"`
	CompilationsFailed    int64 `json:"compilations_failed,omitempty"`
	CurrentRefcountSum    int64 `json:"current_refcount_sum,omitempty"`
	MaxRefcountObserved   int64 `json:"max_refcount_observed,omitempty"`
}

// counters is the mutable, atomic-field home for one CacheCounters. Kept
// separate from the exported snapshot type so Snapshot() can copy field by
// field without racing on the live values (teacher's Stats() does the
// analogous thing under an RLock; here fields are individually atomic so no
// lock is needed at all, which keeps the hot Get/acquire path lock-free for
// metrics bookkeeping).
type counters struct {
	entries                   atomic.Int64
	capacity                  atomic.Int64
	hits                      atomic.Int64
	misses                    atomic.Int64
	evictionsLRU              atomic.Int64
	evictionsIdle             atomic.Int64
	evictionsDeferred         atomic.Int64
	evictionsSkippedProtected atomic.Int64
	evictionsSkippedInUse     atomic.Int64

	compilationsSucceeded atomic.Int64
	compilationsFailed    atomic.Int64
	currentRefcountSum    atomic.Int64
	maxRefcountObserved   atomic.Int64
}

// SetCapacity publishes the configured capacity gauge.
func (c *counters) SetCapacity(n int64) { c.capacity.Store(n) }

// Capacity reads the configured capacity gauge, for the eviction engine's
// size-over-capacity check.
func (c *counters) Capacity() int64 { return c.capacity.Load() }

// AddEntries adjusts the live entry-count gauge by delta (may be negative).
func (c *counters) AddEntries(delta int64) { c.entries.Add(delta) }

// SetEntries pins the live entry-count gauge to an absolute value, used
// after a bulk operation (Clear) where accounting via AddEntries would be
// error-prone to get exactly right.
func (c *counters) SetEntries(n int64) { c.entries.Store(n) }

// AddHits/AddMisses record a cache lookup outcome.
func (c *counters) AddHits(n int64)   { c.hits.Add(n) }
func (c *counters) AddMisses(n int64) { c.misses.Add(n) }

// AddEvictionsLRU/Idle/Deferred record a completed eviction by cause.
func (c *counters) AddEvictionsLRU(n int64)      { c.evictionsLRU.Add(n) }
func (c *counters) AddEvictionsIdle(n int64)     { c.evictionsIdle.Add(n) }
func (c *counters) AddEvictionsDeferred(n int64) { c.evictionsDeferred.Add(n) }

// AddEvictionsSkippedProtected records an eviction victim (LRU or idle) that
// was skipped because it was still inside its protection window.
// AddEvictionsSkippedInUse records a deferred entry that force_drain
// destroyed while its refcount was still nonzero.
func (c *counters) AddEvictionsSkippedProtected(n int64) { c.evictionsSkippedProtected.Add(n) }
func (c *counters) AddEvictionsSkippedInUse(n int64)     { c.evictionsSkippedInUse.Add(n) }

// AddCompilationsSucceeded/Failed are pattern-cache-only counters.
func (c *counters) AddCompilationsSucceeded(n int64) { c.compilationsSucceeded.Add(n) }
func (c *counters) AddCompilationsFailed(n int64)    { c.compilationsFailed.Add(n) }

// SetRefcountGauges publishes the pattern-cache-only refcount gauges; the
// eviction engine recomputes sum/max from the live entry set each tick
// rather than maintaining a running total, which would otherwise need to be
// adjusted on every acquire/release on the hot path.
func (c *counters) SetRefcountGauges(sum, max int64) {
	c.currentRefcountSum.Store(sum)
	c.maxRefcountObserved.Store(max)
}

func (c *counters) snapshot() CacheCounters {
	return CacheCounters{
		Entries:                   c.entries.Load(),
		Capacity:                  c.capacity.Load(),
		Hits:                      c.hits.Load(),
		Misses:                    c.misses.Load(),
		EvictionsLRU:              c.evictionsLRU.Load(),
		EvictionsIdle:             c.evictionsIdle.Load(),
		EvictionsDeferred:         c.evictionsDeferred.Load(),
		EvictionsSkippedProtected: c.evictionsSkippedProtected.Load(),
		EvictionsSkippedInUse:     c.evictionsSkippedInUse.Load(),
		CompilationsSucceeded:     c.compilationsSucceeded.Load(),
		CompilationsFailed:        c.compilationsFailed.Load(),
		CurrentRefcountSum:        c.currentRefcountSum.Load(),
		MaxRefcountObserved:       c.maxRefcountObserved.Load(),
	}
}

// CacheReport is CacheCounters plus the two derived percentages the spec
// requires in the snapshot (utilization_pct, hit_rate_pct).
type CacheReport struct {
	CacheCounters
	UtilizationPct float64 `json:"utilization_pct"`
	HitRatePct     float64 `json:"hit_rate_pct"`
}

func report(c CacheCounters) CacheReport {
	r := CacheReport{CacheCounters: c}
	if c.Capacity > 0 {
		r.UtilizationPct = 100 * float64(c.Entries) / float64(c.Capacity)
	}
	if total := c.Hits + c.Misses; total > 0 {
		r.HitRatePct = 100 * float64(c.Hits) / float64(total)
	}
	return r
}

// Background holds the global counters not scoped to one cache.
type Background struct {
	sweeps             atomic.Int64
	sweepDurationTotal atomic.Int64 // micros, summed
	forcedReclaims     atomic.Int64
}

// BackgroundReport is the JSON-visible snapshot of Background.
type BackgroundReport struct {
	Sweeps                 int64 `json:"background_sweeps"`
	AvgSweepDurationMicros int64 `json:"avg_sweep_duration_micros"`
	ForcedReclaims         int64 `json:"forced_reclaims"`
}

func (b *Background) RecordSweep(d time.Duration) {
	b.sweeps.Add(1)
	b.sweepDurationTotal.Add(d.Microseconds())
}

func (b *Background) RecordForcedReclaim() {
	b.forcedReclaims.Add(1)
}

func (b *Background) snapshot() BackgroundReport {
	sweeps := b.sweeps.Load()
	var avg int64
	if sweeps > 0 {
		avg = b.sweepDurationTotal.Load() / sweeps
	}
	return BackgroundReport{
		Sweeps:                 sweeps,
		AvgSweepDurationMicros: avg,
		ForcedReclaims:         b.forcedReclaims.Load(),
	}
}

// PatternCache, ResultCache, DeferredCache are the three per-cache counter
// sets wired into their respective cache implementations.
type PatternCache struct{ counters }
type ResultCache struct{ counters }
type DeferredCache struct{ counters }

// Registry aggregates everything get_metrics() needs to render.
type Registry struct {
	Pattern    PatternCache
	Result     ResultCache
	Deferred   DeferredCache
	Background Background
}

// NewRegistry constructs a zero-valued Registry ready for use.
func NewRegistry() *Registry { return &Registry{} }

// Snapshot is the top-level document shape from spec §6.4.
type Snapshot struct {
	PatternCache  CacheReport      `json:"pattern_cache"`
	ResultCache   CacheReport      `json:"result_cache"`
	DeferredCache CacheReport      `json:"deferred_cache"`
	Background    BackgroundReport `json:"background"`
	Engine        EngineReport     `json:"engine"`
	GeneratedAt   string           `json:"generated_at"`
}

// EngineReport is a minimal placeholder for engine-level facts; the spec
// only requires the key to exist and tolerate unknown sub-fields (§6.4).
type EngineReport struct {
	Name string `json:"name"`
}

// Snapshot renders the full JSON document. Construction only loads atomics
// and copies structs, so it never blocks the eviction loop (§4.6's
// "must not block ... for more than one sweep's worth of deferred work").
func (r *Registry) Snapshot(now time.Time, engineName string) Snapshot {
	return Snapshot{
		PatternCache:  report(r.Pattern.counters.snapshot()),
		ResultCache:   report(r.Result.counters.snapshot()),
		DeferredCache: report(r.Deferred.counters.snapshot()),
		Background:    r.Background.snapshot(),
		Engine:        EngineReport{Name: engineName},
		GeneratedAt:   now.UTC().Format(time.RFC3339),
	}
}

// JSON marshals the snapshot.
func (s Snapshot) JSON() ([]byte, error) {
	return json.Marshal(s)
}
