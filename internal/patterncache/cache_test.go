package patterncache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonops/regexcache/internal/engine"
	"github.com/axonops/regexcache/internal/hashkey"
	"github.com/axonops/regexcache/internal/metrics"
	"github.com/axonops/regexcache/internal/rcconfig"
)

// fakeProgram is a minimal engine.Program for tests that never need real
// matching, only compile/destroy bookkeeping.
type fakeProgram struct {
	destroyed int32
}

func (p *fakeProgram) SizeBytes() int                       { return 8 }
func (p *fakeProgram) NumGroups() int                        { return 0 }
func (p *fakeProgram) GroupIndex(string) (int, bool)         { return 0, false }
func (p *fakeProgram) FullMatch([]byte) bool                 { return true }
func (p *fakeProgram) PartialMatch([]byte) bool              { return true }
func (p *fakeProgram) FindAll([]byte) []engine.Match         { return nil }
func (p *fakeProgram) ExtractGroups([]byte) ([]engine.Span, bool) { return nil, false }
func (p *fakeProgram) Replace(input []byte, _ string, _ bool) string { return string(input) }
func (p *fakeProgram) Destroy()                               {}

// fakeCompiler fails to compile the pattern "bad(" (exactly), and counts
// calls so tests can assert single-flight behavior.
type fakeCompiler struct {
	mu    sync.Mutex
	calls int
}

func (c *fakeCompiler) Compile(pattern string, _ engine.Options) (engine.Program, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if pattern == "bad(" {
		return nil, &engine.CompileError{Pattern: pattern, Diagnostic: "unbalanced group"}
	}
	return &fakeProgram{}, nil
}

func (c *fakeCompiler) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// fakeDeferredSink records Add/ReclaimIfZero calls without implementing any
// real reclamation policy.
type fakeDeferredSink struct {
	mu      sync.Mutex
	added   []*Entry
	reclaim []*Entry
}

func (s *fakeDeferredSink) Add(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, e)
}

func (s *fakeDeferredSink) ReclaimIfZero(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reclaim = append(s.reclaim, e)
}

func newTestCache(t *testing.T, mapImpl rcconfig.MapImpl) (*Cache, *fakeCompiler, *fakeDeferredSink) {
	t.Helper()
	compiler := &fakeCompiler{}
	sink := &fakeDeferredSink{}
	cfg := rcconfig.PatternCache{
		Capacity:           1000,
		IdleTimeoutSeconds: 300,
		ProtectionSeconds:  1,
		LRUSampleSize:      500,
		MapImpl:            mapImpl,
	}
	c := New(compiler, cfg, &metrics.PatternCache{}, sink)
	return c, compiler, sink
}

func TestAcquireCompilesOnMiss(t *testing.T) {
	c, compiler, _ := newTestCache(t, rcconfig.MapImplRWLock)
	h, cerr := c.Acquire(hashkey.Descriptor{Pattern: "abc"})
	require.Nil(t, cerr)
	assert.NotZero(t, h)
	assert.Equal(t, 1, compiler.callCount())
}

func TestAcquireHitsOnSecondCall(t *testing.T) {
	c, compiler, _ := newTestCache(t, rcconfig.MapImplRWLock)
	d := hashkey.Descriptor{Pattern: "abc"}
	_, cerr := c.Acquire(d)
	require.Nil(t, cerr)
	_, cerr = c.Acquire(d)
	require.Nil(t, cerr)
	assert.Equal(t, 1, compiler.callCount(), "second acquire should hit, not recompile")
}

func TestAcquireReturnsCompileError(t *testing.T) {
	c, _, _ := newTestCache(t, rcconfig.MapImplRWLock)
	_, cerr := c.Acquire(hashkey.Descriptor{Pattern: "bad("})
	require.NotNil(t, cerr)
	assert.Contains(t, cerr.Diagnostic, "unbalanced")
}

func TestAcquireNegativeCacheSuppressesRetryWithinWindow(t *testing.T) {
	c, compiler, _ := newTestCache(t, rcconfig.MapImplRWLock)
	d := hashkey.Descriptor{Pattern: "bad("}
	_, cerr := c.Acquire(d)
	require.NotNil(t, cerr)
	_, cerr = c.Acquire(d)
	require.NotNil(t, cerr)
	assert.Equal(t, 1, compiler.callCount(), "negative cache should suppress the second compile attempt")
}

func TestReleaseIsIdempotentOnDoubleRelease(t *testing.T) {
	c, _, _ := newTestCache(t, rcconfig.MapImplRWLock)
	h, cerr := c.Acquire(hashkey.Descriptor{Pattern: "abc"})
	require.Nil(t, cerr)
	require.True(t, c.Release(h))
	assert.False(t, c.Release(h))
}

func TestConcurrentAcquireIsSingleFlight(t *testing.T) {
	c, compiler, _ := newTestCache(t, rcconfig.MapImplConcurrent)
	d := hashkey.Descriptor{Pattern: "concurrent-pattern"}

	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, cerr := c.Acquire(d)
			assert.Nil(t, cerr)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, compiler.callCount())
}

func TestClearMovesLiveEntriesToDeferred(t *testing.T) {
	c, _, sink := newTestCache(t, rcconfig.MapImplRWLock)
	_, cerr := c.Acquire(hashkey.Descriptor{Pattern: "abc"})
	require.Nil(t, cerr)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Len(t, sink.added, 1)
}

func TestLookupStatsReportsExistence(t *testing.T) {
	c, _, _ := newTestCache(t, rcconfig.MapImplRWLock)
	d := hashkey.Descriptor{Pattern: "abc"}

	miss := c.LookupStats(d)
	assert.False(t, miss.Exists)

	_, cerr := c.Acquire(d)
	require.Nil(t, cerr)
	hit := c.LookupStats(d)
	assert.True(t, hit.Exists)
	assert.Equal(t, int64(1), hit.Refcount)
}

func TestEvictEntryDestroysWhenRefcountZero(t *testing.T) {
	c, _, sink := newTestCache(t, rcconfig.MapImplRWLock)
	d := hashkey.Descriptor{Pattern: "abc"}
	h, cerr := c.Acquire(d)
	require.Nil(t, cerr)
	require.True(t, c.Release(h))

	e, ok := c.store.load(d.CanonicalKey())
	require.True(t, ok)
	evicted := c.EvictEntry(e, EvictionLRU)
	require.True(t, evicted)
	assert.Equal(t, Detached, e.Membership())
	assert.Empty(t, sink.added)
}

func TestEvictEntryDefersWhenStillReferenced(t *testing.T) {
	c, _, sink := newTestCache(t, rcconfig.MapImplRWLock)
	d := hashkey.Descriptor{Pattern: "abc"}
	h, cerr := c.Acquire(d)
	require.Nil(t, cerr)

	e, ok := c.store.load(d.CanonicalKey())
	require.True(t, ok)
	evicted := c.EvictEntry(e, EvictionLRU)
	require.True(t, evicted)
	assert.Equal(t, Deferred, e.Membership())
	assert.Len(t, sink.added, 1)

	require.True(t, c.Release(h))
}

func TestEvictEntrySkipsAlreadyReplaced(t *testing.T) {
	c, _, _ := newTestCache(t, rcconfig.MapImplRWLock)
	d := hashkey.Descriptor{Pattern: "abc"}
	_, cerr := c.Acquire(d)
	require.Nil(t, cerr)
	e, ok := c.store.load(d.CanonicalKey())
	require.True(t, ok)

	// Simulate the entry having already been replaced/removed concurrently.
	require.True(t, c.store.deleteIfSame(d.CanonicalKey(), e))
	assert.False(t, c.EvictEntry(e, EvictionLRU))
}

func TestSampleVictimsDegradesToFullScanWhenKExceedsSize(t *testing.T) {
	c, _, _ := newTestCache(t, rcconfig.MapImplRWLock)
	for _, p := range []string{"a", "b", "c"} {
		_, cerr := c.Acquire(hashkey.Descriptor{Pattern: p})
		require.Nil(t, cerr)
	}
	victims := c.SampleVictims(1000)
	assert.Len(t, victims, 3)
}

func TestEntryProtectionWindow(t *testing.T) {
	now := time.Now()
	e := newEntry(hashkey.Descriptor{Pattern: "x"}, now, time.Second)
	assert.True(t, e.Protected(now))
	assert.False(t, e.Protected(now.Add(2*time.Second)))
}

func TestZeroProtectionWindowDisablesProtection(t *testing.T) {
	now := time.Now()
	e := newEntry(hashkey.Descriptor{Pattern: "x"}, now, 0)
	assert.False(t, e.Protected(now.Add(time.Nanosecond)))
}

func TestCompileErrorImplementsError(t *testing.T) {
	var err error = &engine.CompileError{Pattern: "x", Diagnostic: "boom"}
	assert.True(t, errors.As(err, new(*engine.CompileError)))
}
