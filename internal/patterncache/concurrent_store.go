package patterncache

import (
	"math/rand/v2"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// concurrentStore is the sharded, per-bucket-locked implementation, for
// deployments with more than ~8 concurrent requestors (spec §4.1). It uses
// an erase-safe concurrent map rather than a bare sync.Map, which has no
// compare-and-delete primitive strong enough for deleteIfSame.
type concurrentStore struct {
	m cmap.ConcurrentMap[string, *Entry]
}

func newConcurrentStore() *concurrentStore {
	return &concurrentStore{m: cmap.New[*Entry]()}
}

func (s *concurrentStore) load(key string) (*Entry, bool) {
	return s.m.Get(key)
}

func (s *concurrentStore) loadOrStore(key string, newEntry *Entry) (*Entry, bool) {
	var loaded bool
	actual := s.m.Upsert(key, newEntry, func(exists bool, valueInMap, newValue *Entry) *Entry {
		if exists {
			loaded = true
			return valueInMap
		}
		return newValue
	})
	return actual, loaded
}

func (s *concurrentStore) deleteIfSame(key string, e *Entry) bool {
	removed := false
	s.m.RemoveCb(key, func(key string, v *Entry, exists bool) bool {
		if !exists || v != e {
			return false
		}
		removed = true
		return true
	})
	return removed
}

func (s *concurrentStore) len() int {
	return s.m.Count()
}

func (s *concurrentStore) sample(k int) []*Entry {
	keys := s.m.Keys()
	if k >= len(keys) {
		out := make([]*Entry, 0, len(keys))
		for _, key := range keys {
			if e, ok := s.m.Get(key); ok {
				out = append(out, e)
			}
		}
		return out
	}
	rand.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	out := make([]*Entry, 0, k)
	for _, key := range keys[:k] {
		if e, ok := s.m.Get(key); ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *concurrentStore) forEach(f func(key string, e *Entry) bool) {
	for item := range s.m.IterBuffered() {
		if !f(item.Key, item.Val) {
			return
		}
	}
}

func (s *concurrentStore) drainAll() []*Entry {
	out := make([]*Entry, 0, s.m.Count())
	for item := range s.m.IterBuffered() {
		if s.deleteIfSame(item.Key, item.Val) {
			out = append(out, item.Val)
		}
	}
	return out
}
