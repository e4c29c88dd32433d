package patterncache

// store is the Pattern Cache's backing-store seam. Two implementations
// satisfy it (rwlockStore, concurrentStore), selected by
// rcconfig.PatternCache.MapImpl. Both must be erase-safe under concurrent
// readers: deleteIfSame must never remove an entry that has already been
// replaced by a newer one for the same key (spec §4.1's concurrency note
// forbids "unordered concurrent maps without safe erase").
type store interface {
	// load returns the live entry for key, if any.
	load(key string) (*Entry, bool)

	// loadOrStore returns the existing entry for key, or stores newEntry and
	// returns it. The second return reports whether an existing entry was
	// found (loaded=true) rather than newEntry being installed.
	loadOrStore(key string, newEntry *Entry) (actual *Entry, loaded bool)

	// deleteIfSame removes key only if its current value is exactly e,
	// returning true if the removal happened. This is the erase-safe
	// primitive the eviction engine needs to avoid evicting an entry that
	// was replaced by a newer one between sampling and erase.
	deleteIfSame(key string, e *Entry) bool

	// len reports the current entry count.
	len() int

	// sample returns up to k entries chosen at random (capped at the store
	// size), for the sampled-LRU victim draw (spec §4.1 "Sampled LRU").
	sample(k int) []*Entry

	// forEach visits entries; used for idle-expiry round-robin scanning.
	// Iteration order is unspecified. f returning false stops iteration.
	forEach(f func(key string, e *Entry) bool)

	// drainAll removes and returns every entry, for clear().
	drainAll() []*Entry
}
