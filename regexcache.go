// Package regexcache is the Handle API (spec §4.5): a thin veneer over the
// Pattern, Result, and Deferred caches. It validates inputs, canonicalizes
// options, and delegates to the engine. Metrics are recorded by the caches
// it delegates to; it records no per-operation latency of its own. It
// is the only package in this module that touches the engine's match
// functions directly.
package regexcache

import (
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/axonops/regexcache/internal/deferredcache"
	"github.com/axonops/regexcache/internal/engine"
	"github.com/axonops/regexcache/internal/eviction"
	"github.com/axonops/regexcache/internal/hashkey"
	"github.com/axonops/regexcache/internal/metrics"
	"github.com/axonops/regexcache/internal/patterncache"
	"github.com/axonops/regexcache/internal/rcconfig"
	"github.com/axonops/regexcache/internal/resultcache"
)

// ReplaceMode selects how many matches replace() rewrites, mirroring the
// spec's mode ∈ {first, all}.
type ReplaceMode int

const (
	ReplaceFirst ReplaceMode = iota
	ReplaceAll
)

// Options are the functional constructor knobs, in the style of the
// teacher's options.go. Unlike the teacher, most configuration here travels
// through configure(ConfigJSON) at runtime rather than the constructor;
// these options cover the handful of process-wide choices made once, at
// construction time (engine, logger).
type Option func(*Core)

// WithCompiler overrides the engine compiler; tests use this to substitute
// a fake engine without linking the cgo rure binding.
func WithCompiler(c engine.Compiler) Option {
	return func(co *Core) { co.compiler = c }
}

// WithLogger overrides the structured logger used for MISUSE and
// forced-reclaim warnings.
func WithLogger(log logrus.FieldLogger) Option {
	return func(co *Core) { co.log = log }
}

// Core is one instance of the cache. Construct it with New from a Config
// (for example one returned by Configure); New also starts the background
// eviction thread.
type Core struct {
	compiler engine.Compiler
	log      logrus.FieldLogger

	cfg rcconfig.Config

	pattern  *patterncache.Cache
	result   *resultcache.Cache
	deferred *deferredcache.Cache
	engine   *eviction.Engine
	reg      *metrics.Registry

	engineName string
}

// New constructs a Core with the given config and options, wiring the
// dependency graph in the order spec §2 mandates: Hashing → Config →
// Metrics → Pattern/Result/Deferred (peers) → Eviction Engine → Handle API.
func New(cfg rcconfig.Config, opts ...Option) *Core {
	co := &Core{
		cfg:        cfg,
		log:        logrus.StandardLogger(),
		engineName: "rure",
	}
	for _, o := range opts {
		o(co)
	}
	if co.compiler == nil {
		co.compiler = engine.NewRureCompiler()
	}

	co.reg = metrics.NewRegistry()
	co.deferred = deferredcache.New(&co.reg.Deferred, co.warnf)
	co.pattern = patterncache.New(co.compiler, cfg.PatternCache, &co.reg.Pattern, co.deferred)
	co.result = resultcache.New(cfg.ResultCache, &co.reg.Result)
	co.engine = eviction.New(co.pattern, co.result, co.deferred, co.reg, cfg)
	co.engine.Start()
	return co
}

func (co *Core) warnf(msg string, fields map[string]any) {
	co.log.WithFields(fields).Warn(msg)
}

// Configure implements spec §6.2's configure(ConfigJSON). It must be called
// at most once, before first use; this module does not attempt to support
// live reconfiguration (spec §7's propagation policy implies none).
func Configure(raw []byte) (rcconfig.Config, error) {
	cfg, err := rcconfig.Parse(raw)
	if err != nil {
		return rcconfig.Config{}, newError(ConfigRejected, "%s", err)
	}
	return cfg, nil
}

// Handle is an opaque reference returned by Acquire. The zero Handle is
// never valid; every real handle has a nonzero id.
type Handle struct {
	id uint64
	d  hashkey.Descriptor
}

// Acquire implements spec §6.2's acquire(pattern, options).
func (co *Core) Acquire(pattern string, opts engine.Options) (Handle, error) {
	if len(pattern) > co.cfg.Limits.MaxPatternLength {
		return Handle{}, newError(PatternTooLarge, "pattern length %d exceeds limit %d", len(pattern), co.cfg.Limits.MaxPatternLength)
	}
	d := hashkey.Descriptor{Pattern: pattern, Options: hashkey.Canonicalize(opts)}
	id, cerr := co.pattern.Acquire(d)
	if cerr != nil {
		return Handle{}, newError(CompileFailed, "%s", cerr.Diagnostic)
	}
	return Handle{id: id, d: d}, nil
}

// Release implements spec §6.2's release(handle). A double-release is
// MISUSE: logged at warn, reported back as an error rather than panicking
// (spec §7).
func (co *Core) Release(h Handle) error {
	if ok := co.pattern.Release(h.id); !ok {
		co.warnf("release: unknown or already-released handle", map[string]any{"handle": h.id})
		return newError(Misuse, "handle %d is unknown or already released", h.id)
	}
	return nil
}

func (co *Core) checkInput(input []byte) error {
	if len(input) > co.cfg.Limits.MaxInputLength {
		return newError(InputTooLarge, "input length %d exceeds limit %d", len(input), co.cfg.Limits.MaxInputLength)
	}
	return nil
}

// program resolves a Handle to its compiled engine.Program. The handle
// itself is what keeps the underlying Entry alive (it was counted at
// Acquire time and released only by the caller's explicit Release), so
// this never needs to take or drop a reference of its own.
func (co *Core) program(h Handle) (engine.Program, bool) {
	e, ok := co.pattern.EntryForHandle(h.id)
	if !ok || e.Program == nil {
		return nil, false
	}
	return e.Program, true
}

// MatchFull implements spec §6.2's match_full(handle, input).
func (co *Core) MatchFull(h Handle, input []byte) (bool, error) {
	if err := co.checkInput(input); err != nil {
		return false, err
	}
	prog, ok := co.program(h)
	if !ok {
		return false, newError(Misuse, "handle %d is not live", h.id)
	}
	key := hashkey.NewResultKey(h.d, input, hashkey.OpFullMatch)
	if e, hit := co.result.Lookup(key); hit {
		return e.Matched, nil
	}
	matched := prog.FullMatch(input)
	co.result.Insert(key, resultcache.Entry{Matched: matched, Input: input})
	return matched, nil
}

// MatchPartial implements spec §6.2's match_partial(handle, input).
func (co *Core) MatchPartial(h Handle, input []byte) (bool, error) {
	if err := co.checkInput(input); err != nil {
		return false, err
	}
	prog, ok := co.program(h)
	if !ok {
		return false, newError(Misuse, "handle %d is not live", h.id)
	}
	key := hashkey.NewResultKey(h.d, input, hashkey.OpPartialMatch)
	if e, hit := co.result.Lookup(key); hit {
		return e.Matched, nil
	}
	matched := prog.PartialMatch(input)
	co.result.Insert(key, resultcache.Entry{Matched: matched, Input: input})
	return matched, nil
}

// Extract implements spec §6.2's extract(handle, input) → groups or null.
func (co *Core) Extract(h Handle, input []byte) ([]engine.Span, error) {
	if err := co.checkInput(input); err != nil {
		return nil, err
	}
	prog, ok := co.program(h)
	if !ok {
		return nil, newError(Misuse, "handle %d is not live", h.id)
	}
	key := hashkey.NewResultKey(h.d, input, hashkey.OpExtract)
	if e, hit := co.result.Lookup(key); hit {
		if !e.Matched {
			return nil, nil
		}
		return e.Groups, nil
	}
	spans, matched := prog.ExtractGroups(input)
	co.result.Insert(key, resultcache.Entry{Matched: matched, Groups: spans, Input: input})
	if !matched {
		return nil, nil
	}
	return spans, nil
}

// FindAll implements spec §6.2's find_all(handle, input) → list of groups.
// Not result-cached: a multi-match result is variable-sized and the spec
// scopes the Result Cache to single-outcome lookups (§4.2 examples are all
// boolean/group-of-first-match shaped).
func (co *Core) FindAll(h Handle, input []byte) ([]engine.Match, error) {
	if err := co.checkInput(input); err != nil {
		return nil, err
	}
	prog, ok := co.program(h)
	if !ok {
		return nil, newError(Misuse, "handle %d is not live", h.id)
	}
	return prog.FindAll(input), nil
}

// Replace implements spec §6.2's replace(handle, input, template, mode).
func (co *Core) Replace(h Handle, input []byte, template string, mode ReplaceMode) (string, error) {
	if err := co.checkInput(input); err != nil {
		return "", err
	}
	prog, ok := co.program(h)
	if !ok {
		return "", newError(Misuse, "handle %d is not live", h.id)
	}
	return prog.Replace(input, template, mode == ReplaceAll), nil
}

// GetMetrics implements spec §6.2's get_metrics() → JSON string.
func (co *Core) GetMetrics() ([]byte, error) {
	return co.reg.Snapshot(time.Now(), co.engineName).JSON()
}

// GetPatternMetrics implements spec §6.2's get_pattern_metrics(handle).
func (co *Core) GetPatternMetrics(h Handle) ([]byte, error) {
	stats := co.pattern.LookupStats(h.d)
	return json.Marshal(struct {
		Exists    bool      `json:"exists"`
		Refcount  int64     `json:"refcount"`
		LastUsed  time.Time `json:"last_used"`
		SizeBytes int       `json:"size_bytes"`
		NumGroups int       `json:"num_groups"`
	}{
		Exists:    stats.Exists,
		Refcount:  stats.Refcount,
		LastUsed:  stats.LastUsed,
		SizeBytes: stats.SizeBytes,
		NumGroups: stats.NumGroups,
	})
}

// ClearTarget selects which cache(s) Clear empties, spec §6.2's
// clear(which ∈ {pattern, result, all}).
type ClearTarget int

const (
	ClearPattern ClearTarget = iota
	ClearResult
	ClearAll
)

// Clear implements spec §6.2's clear(which).
func (co *Core) Clear(which ClearTarget) {
	if which == ClearPattern || which == ClearAll {
		co.pattern.Clear()
	}
	if which == ClearResult || which == ClearAll {
		co.result.Clear()
	}
}

// Shutdown implements spec §6.2's shutdown(): signals the eviction thread
// and, if forceDrain is set, forces every outstanding program to be
// destroyed regardless of refcount (spec §4.3's force_drain, intended only
// for process shutdown under caller discipline). A held-but-not-yet-evicted
// pattern is still LIVE, not DEFERRED, so this first moves the whole Pattern
// Cache to DEFERRED (the same transition Clear() performs) before forcing
// the drain — otherwise force_drain sees an empty Deferred Cache and every
// still-referenced program leaks (spec §5, "reclaimed exactly once").
func (co *Core) Shutdown(forceDrain bool) {
	co.engine.Stop()
	if forceDrain {
		co.pattern.Clear()
		forced := co.deferred.ForceDrain()
		for i := 0; i < forced; i++ {
			co.reg.Background.RecordForcedReclaim()
		}
	}
}
