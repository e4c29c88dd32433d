package regexcache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axonops/regexcache/internal/engine"
	"github.com/axonops/regexcache/internal/rcconfig"
)

type fakeProgram struct{ matches bool }

func (p *fakeProgram) SizeBytes() int                             { return 4 }
func (p *fakeProgram) NumGroups() int                             { return 0 }
func (p *fakeProgram) GroupIndex(string) (int, bool)              { return 0, false }
func (p *fakeProgram) FullMatch(input []byte) bool                { return p.matches }
func (p *fakeProgram) PartialMatch(input []byte) bool              { return p.matches }
func (p *fakeProgram) FindAll([]byte) []engine.Match               { return nil }
func (p *fakeProgram) ExtractGroups([]byte) ([]engine.Span, bool) { return nil, p.matches }
func (p *fakeProgram) Replace(input []byte, template string, all bool) string { return template }
func (p *fakeProgram) Destroy()                                    {}

type fakeCompiler struct{}

func (fakeCompiler) Compile(pattern string, _ engine.Options) (engine.Program, error) {
	if pattern == "(" {
		return nil, &engine.CompileError{Pattern: pattern, Diagnostic: "bad pattern"}
	}
	return &fakeProgram{matches: true}, nil
}

func newTestCore(t *testing.T, cfg rcconfig.Config) *Core {
	t.Helper()
	return New(cfg, WithCompiler(fakeCompiler{}))
}

func TestAcquireMatchReleaseRoundTrip(t *testing.T) {
	core := newTestCore(t, rcconfig.Default())
	defer core.Shutdown(true)

	h, err := core.Acquire("abc", engine.Options{})
	require.NoError(t, err)

	matched, err := core.MatchFull(h, []byte("abc"))
	require.NoError(t, err)
	assert.True(t, matched)

	require.NoError(t, core.Release(h))
}

func TestAcquireCompileFailureReturnsTypedError(t *testing.T) {
	core := newTestCore(t, rcconfig.Default())
	defer core.Shutdown(true)

	_, err := core.Acquire("(", engine.Options{})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, CompileFailed, rerr.Kind)
}

func TestAcquirePatternTooLarge(t *testing.T) {
	cfg := rcconfig.Default()
	cfg.Limits.MaxPatternLength = 4
	core := newTestCore(t, cfg)
	defer core.Shutdown(true)

	_, err := core.Acquire("abcdef", engine.Options{})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, PatternTooLarge, rerr.Kind)
}

func TestMatchInputTooLarge(t *testing.T) {
	cfg := rcconfig.Default()
	cfg.Limits.MaxInputLength = 2
	core := newTestCore(t, cfg)
	defer core.Shutdown(true)

	h, err := core.Acquire("abc", engine.Options{})
	require.NoError(t, err)

	_, err = core.MatchFull(h, []byte("too long"))
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, InputTooLarge, rerr.Kind)
}

func TestReleaseTwiceIsMisuseNotPanic(t *testing.T) {
	core := newTestCore(t, rcconfig.Default())
	defer core.Shutdown(true)

	h, err := core.Acquire("abc", engine.Options{})
	require.NoError(t, err)
	require.NoError(t, core.Release(h))

	err = core.Release(h)
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, Misuse, rerr.Kind)
}

func TestResultCacheServesSecondLookup(t *testing.T) {
	cfg := rcconfig.Default()
	cfg.ResultCache.Capacity = 100
	core := newTestCore(t, cfg)
	defer core.Shutdown(true)

	h, err := core.Acquire("abc", engine.Options{})
	require.NoError(t, err)

	_, err = core.MatchFull(h, []byte("abc"))
	require.NoError(t, err)
	_, err = core.MatchFull(h, []byte("abc"))
	require.NoError(t, err)

	raw, err := core.GetMetrics()
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	resultCache := doc["result_cache"].(map[string]any)
	assert.Equal(t, float64(1), resultCache["hits"])
}

func TestClearAllEmptiesBothCaches(t *testing.T) {
	core := newTestCore(t, rcconfig.Default())
	defer core.Shutdown(true)

	h, err := core.Acquire("abc", engine.Options{})
	require.NoError(t, err)
	_, err = core.MatchFull(h, []byte("abc"))
	require.NoError(t, err)

	core.Clear(ClearAll)

	stats, err := core.GetPatternMetrics(h)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(stats, &doc))
	assert.Equal(t, false, doc["exists"])
}

func TestErrorIsMatchesByKind(t *testing.T) {
	core := newTestCore(t, rcconfig.Default())
	defer core.Shutdown(true)

	_, err := core.Acquire("(", engine.Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompileFailed)
	assert.NotErrorIs(t, err, ErrInputTooLarge)
}
