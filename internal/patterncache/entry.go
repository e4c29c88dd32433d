// Package patterncache implements the Pattern Compilation Cache (spec §4.1):
// a reference-counted, single-flight, sampled-LRU store of compiled engine
// programs, with two interchangeable backing-store implementations selected
// by config (rwlock vs. sharded concurrent map).
package patterncache

import (
	"sync/atomic"
	"time"

	"github.com/axonops/regexcache/internal/engine"
	"github.com/axonops/regexcache/internal/hashkey"
)

// Membership is the reachability tag from spec §3: LIVE entries are
// reachable only from this cache's store; DEFERRED entries only from the
// deferred cache; DETACHED entries from nowhere and about to be destroyed.
type Membership int32

const (
	Live Membership = iota
	Deferred
	Detached
)

// Entry is the spec's CompiledPattern. Program is owned exclusively by this
// Entry until Destroy runs. Refcount, LastUsed, and Membership are mutated
// atomically; every other field is set once at creation.
type Entry struct {
	Descriptor hashkey.Descriptor

	Program    engine.Program
	CompileErr *engine.CompileError // set iff Program == nil

	SizeBytes int
	NumGroups int

	CreatedAt      time.Time
	protectedUntil time.Time

	refcount   atomic.Int64
	lastUsedNs atomic.Int64
	membership atomic.Int32
}

func newEntry(d hashkey.Descriptor, now time.Time, protection time.Duration) *Entry {
	e := &Entry{
		Descriptor:     d,
		CreatedAt:      now,
		protectedUntil: now.Add(protection),
	}
	e.lastUsedNs.Store(now.UnixNano())
	e.membership.Store(int32(Live))
	return e
}

func (e *Entry) touch(now time.Time) { e.lastUsedNs.Store(now.UnixNano()) }

func (e *Entry) LastUsed() time.Time { return time.Unix(0, e.lastUsedNs.Load()) }

func (e *Entry) Refcount() int64 { return e.refcount.Load() }

func (e *Entry) Membership() Membership { return Membership(e.membership.Load()) }

// Protected reports whether now is still within the post-compile protection
// window (spec §4.1, "Eviction protection"). A zero protection window
// (protectedUntil == CreatedAt) disables protection entirely, per §8's
// boundary behavior. Exported for the eviction engine's re-check under the
// erasure lock (spec §4.4's ordering guarantee).
func (e *Entry) Protected(now time.Time) bool {
	return now.Before(e.protectedUntil)
}

// ok reports whether compilation succeeded.
func (e *Entry) ok() bool { return e.Program != nil }

// MarkDetached transitions e to DETACHED: no cache holds it any longer and
// it is about to be destroyed. Exported for the Deferred Reclamation Cache,
// which owns entries after they leave this package's store.
func MarkDetached(e *Entry) { e.membership.Store(int32(Detached)) }
