// Package eviction implements the Background Eviction Engine (spec §4.4): a
// single goroutine, time.Ticker-driven, cooperative cancellation via a
// stop channel, in the style of the teacher's janitor.go. It is the only
// component that mutates more than one cache, and it never holds more than
// one cache's lock at a time (spec §4.4, locking discipline).
package eviction

import (
	"sort"
	"sync"
	"time"

	"github.com/axonops/regexcache/internal/deferredcache"
	"github.com/axonops/regexcache/internal/metrics"
	"github.com/axonops/regexcache/internal/patterncache"
	"github.com/axonops/regexcache/internal/rcconfig"
	"github.com/axonops/regexcache/internal/resultcache"
)

// Engine runs the per-tick sweep across the three caches.
type Engine struct {
	pattern  *patterncache.Cache
	result   *resultcache.Cache
	deferred *deferredcache.Cache
	metrics  *metrics.Registry

	tickInterval  time.Duration
	patternIdle   time.Duration
	sampleSize    int
	idleBatchSize int
	deferredSweep time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	// idleCursor is not read by scanPatternIdle: each tick's idle scan starts
	// from the backing store's own iteration order, and no position carries
	// over from one tick to the next.
	idleCursor int

	lastDeferredSweep time.Time

	now func() time.Time
}

// New constructs an Engine. It does not start the background goroutine;
// call Start for that.
func New(pattern *patterncache.Cache, result *resultcache.Cache, deferred *deferredcache.Cache, reg *metrics.Registry, cfg rcconfig.Config) *Engine {
	sampleSize := cfg.PatternCache.LRUSampleSize
	if sampleSize <= 0 {
		sampleSize = 500
	}
	return &Engine{
		pattern:       pattern,
		result:        result,
		deferred:      deferred,
		metrics:       reg,
		tickInterval:  time.Duration(cfg.Eviction.TickIntervalMillis) * time.Millisecond,
		patternIdle:   time.Duration(cfg.PatternCache.IdleTimeoutSeconds) * time.Second,
		sampleSize:    sampleSize,
		idleBatchSize: sampleSize,
		deferredSweep: time.Duration(cfg.DeferredCache.SweepIntervalSeconds) * time.Second,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
		now:           time.Now,
	}
}

// Start launches the background sweep goroutine. Mirrors the teacher's
// startJanitor: a ticker, a select over tick/stop, ticker stopped on exit.
func (e *Engine) Start() {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				e.tick()
			case <-e.stopCh:
				return
			}
		}
	}()
}

// Stop signals the goroutine to exit and waits for it to finish. Idempotent
// on repeat calls, unlike the teacher's Stop (which panics on a double
// close) — spec §7 treats a double-shutdown as a condition to tolerate, not
// a fatal misuse, since callers may race a shutdown against a signal
// handler.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	<-e.done
}

// tick runs one full sweep: pattern capacity, pattern idle, result cache
// bookkeeping, deferred drain, metrics publish (spec §4.4, steps 1-5).
func (e *Engine) tick() {
	start := e.now()

	e.evictPatternOverCapacity()
	e.scanPatternIdle()
	e.refreshResultGauge()
	e.drainDeferredOnSchedule(start)
	e.publishRefcountGauges()

	e.metrics.Background.RecordSweep(e.now().Sub(start))
}

// drainDeferredOnSchedule implements step 4 on the deferred cache's own
// cadence (deferred_cache.sweep_interval_seconds), independent of how often
// the tick itself fires. A tick interval faster than the sweep interval
// (the default: 100ms ticks, 5s sweeps) would otherwise drain on every tick,
// which works but ignores the configured knob; this keeps it honest.
func (e *Engine) drainDeferredOnSchedule(now time.Time) {
	if e.deferredSweep > 0 && now.Sub(e.lastDeferredSweep) < e.deferredSweep {
		return
	}
	e.lastDeferredSweep = now
	e.deferred.Drain()
}

// evictPatternOverCapacity implements step 1: if size > capacity, draw a
// sampled-LRU victim set, sort oldest-first, and evict until within
// capacity, skipping anything the re-check under the erase lock vetoes.
func (e *Engine) evictPatternOverCapacity() {
	capacity := int(e.metrics.Pattern.Capacity())
	if capacity <= 0 {
		return // rcconfig.Validate accepts capacity 0; with it this step does
		// nothing, so a capacity-0 pattern cache is not bounded here.
	}
	size := e.pattern.Len()
	if size <= capacity {
		return
	}
	overBy := size - capacity

	victims := e.pattern.SampleVictims(e.sampleSize)
	sort.Slice(victims, func(i, j int) bool {
		return victims[i].LastUsed().Before(victims[j].LastUsed())
	})

	now := e.now()
	evicted := 0
	for _, v := range victims {
		if evicted >= overBy {
			break
		}
		if v.Protected(now) {
			e.metrics.Pattern.AddEvictionsSkippedProtected(1)
			continue
		}
		if !e.pattern.EvictEntry(v, patterncache.EvictionLRU) {
			// Already gone or replaced since sampling; not an error.
			continue
		}
		evicted++
	}
}

// scanPatternIdle implements step 2: a bounded idle-expiry scan.
// ForEachIdleCandidate visits the live set in whatever order the backing
// store iterates; idleBatchSize bounds how many entries one tick inspects.
// The scan is not round-robin: no cursor carries over between ticks, so
// which entries a tick inspects depends only on that iteration order. Both
// stores take a snapshot of the whole live set before visiting it.
func (e *Engine) scanPatternIdle() {
	if e.patternIdle <= 0 {
		return // idle timeout of 0 disables idle eviction (spec §8 boundary).
	}
	now := e.now()
	visited := 0
	var toEvict []*patterncache.Entry
	e.pattern.ForEachIdleCandidate(func(entry *patterncache.Entry) bool {
		visited++
		if now.Sub(entry.LastUsed()) > e.patternIdle {
			toEvict = append(toEvict, entry)
		}
		return visited < e.idleBatchSize
	})

	for _, v := range toEvict {
		if v.Protected(now) {
			e.metrics.Pattern.AddEvictionsSkippedProtected(1)
			continue
		}
		// A still-referenced idle entry is still evicted from LIVE here;
		// EvictEntry routes refcount>0 victims to the Deferred Cache instead
		// of destroying them (spec §4.1, "Eviction of a live entry").
		e.pattern.EvictEntry(v, patterncache.EvictionIdle)
	}
}

// refreshResultGauge re-publishes the Result Cache's live entry count. The
// cache's own onEvict callback already tracks capacity- and TTL-driven
// removals as they happen (resultcache.go); hashicorp's expirable.LRU runs
// its own internal reaper goroutine for TTL expiry, so this tick has no
// separate step-3 eviction work to drive — only the gauge refresh spec
// §4.6 wants kept current.
func (e *Engine) refreshResultGauge() {
	e.metrics.Result.SetEntries(int64(e.result.Len()))
}

// publishRefcountGauges recomputes current_refcount_sum and
// max_refcount_observed by scanning the live set once per tick (spec
// §4.6); these are the only gauges cheap enough to recompute rather than
// maintain incrementally on the acquire/release hot path.
func (e *Engine) publishRefcountGauges() {
	var sum, max int64
	e.pattern.ForEachIdleCandidate(func(entry *patterncache.Entry) bool {
		rc := entry.Refcount()
		sum += rc
		if rc > max {
			max = rc
		}
		return true
	})
	e.metrics.Pattern.SetRefcountGauges(sum, max)
}
