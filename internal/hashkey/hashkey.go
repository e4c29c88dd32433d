// Package hashkey builds the canonical cache keys used by the pattern and
// result caches (spec §3, "PatternDescriptor" and "ResultKey"). It sits at
// the bottom of the dependency order in §2; its only import from this
// module is internal/engine, for the Options type.
package hashkey

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/axonops/regexcache/internal/engine"
)

// OpKind distinguishes the operation a ResultEntry was computed for, so that
// a full-match outcome for a pattern never collides with a partial-match or
// capture outcome for the same (pattern, input) pair.
type OpKind uint8

const (
	OpFullMatch OpKind = iota
	OpPartialMatch
	OpExtract
)

// Descriptor is the canonical (pattern, options) pair used as the Pattern
// Cache key. Two Descriptors with byte-equal Pattern and identical Options
// compare equal and thus collide in the cache, per spec §3.
type Descriptor struct {
	Pattern string
	Options engine.Options
}

// Canonicalize normalizes an Options value so that semantically identical
// option sets produce byte-identical descriptors regardless of how the
// caller populated zero-value fields. The only rule today clamps a negative
// MaxProgramSize to 0 (engine default); the boolean fields pass through
// unchanged. It gives the Handle API a single place to grow further
// canonicalization rules (e.g. clamping MaxProgramSize to a configured
// ceiling) without touching callers.
func Canonicalize(opts engine.Options) engine.Options {
	if opts.MaxProgramSize < 0 {
		opts.MaxProgramSize = 0
	}
	return opts
}

// Fingerprint returns a stable 64-bit fingerprint of the descriptor. It is
// the descriptor part of a ResultKey; the Pattern Cache keys its stores by
// CanonicalKey instead.
func (d Descriptor) Fingerprint() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(d.Pattern))
	var flags byte
	if d.Options.CaseInsensitive {
		flags |= 1 << 0
	}
	if d.Options.LongestMatch {
		flags |= 1 << 1
	}
	if d.Options.Anchored {
		flags |= 1 << 2
	}
	_, _ = h.Write([]byte{flags})
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(d.Options.MaxProgramSize))
	_, _ = h.Write(sizeBuf[:])
	return h.Sum64()
}

// CanonicalKey returns the string form of the descriptor. Both Pattern
// Cache stores (rwlock and concurrent) are keyed by it, and the Pattern
// Cache uses it as the single-flight key. Must encode every
// field Fingerprint does: two descriptors differing only in MaxProgramSize
// are distinct per spec §3 ("byte-equal" option set) and must not collide
// in the store.
func (d Descriptor) CanonicalKey() string {
	opts := Canonicalize(d.Options)
	buf := make([]byte, 0, len(d.Pattern)+16)
	buf = append(buf, d.Pattern...)
	buf = append(buf, 0)
	if opts.CaseInsensitive {
		buf = append(buf, 'i')
	}
	if opts.LongestMatch {
		buf = append(buf, 'l')
	}
	if opts.Anchored {
		buf = append(buf, 'a')
	}
	buf = append(buf, 0)
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(opts.MaxProgramSize))
	buf = append(buf, sizeBuf[:]...)
	return string(buf)
}

// ResultKey fingerprints a (pattern descriptor, input, operation kind)
// triple for the Result Cache. Per spec §4.2's correctness note, this
// fingerprint intentionally collapses the descriptor fingerprint rather than
// retaining a reference to any CompiledPattern, so a Pattern Cache eviction
// never invalidates a Result Cache entry.
type ResultKey struct {
	DescriptorFP uint64
	InputFP      uint64
	Op           OpKind
}

// NewResultKey computes the ResultKey for a given descriptor and input.
func NewResultKey(d Descriptor, input []byte, op OpKind) ResultKey {
	h := fnv.New64a()
	_, _ = h.Write(input)
	return ResultKey{
		DescriptorFP: d.Fingerprint(),
		InputFP:      h.Sum64(),
		Op:           op,
	}
}

// String renders the key as a single string, which is what the underlying
// expirable LRU (string-keyed) actually stores.
func (k ResultKey) String() string {
	buf := make([]byte, 0, 24)
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], k.DescriptorFP)
	buf = append(buf, tmp[:]...)
	binary.LittleEndian.PutUint64(tmp[:], k.InputFP)
	buf = append(buf, tmp[:]...)
	buf = append(buf, byte(k.Op))
	return string(buf)
}
