package engine

import (
	"sync"

	"github.com/BurntSushi/rure-go"
)

// RureCompiler compiles patterns with rure, the cgo binding to Rust's
// linear-time regex crate. This is the production Compiler; it is the
// concrete instance of the "fixed external dependency" the spec describes
// as out of scope (§1) and only referenced through engine.Compiler (§6.1).
type RureCompiler struct{}

// NewRureCompiler returns the production engine binding.
func NewRureCompiler() *RureCompiler { return &RureCompiler{} }

// Compile applies CaseInsensitive and MaxProgramSize. LongestMatch and
// Anchored are not passed to rure: they distinguish cache keys but do not
// change the compiled program.
func (RureCompiler) Compile(pattern string, opts Options) (Program, error) {
	flags := rure.FlagUnicode
	if opts.CaseInsensitive {
		flags |= rure.FlagCaseI
	}

	ropts := rure.NewOptions()
	defer ropts.Free()
	if opts.MaxProgramSize > 0 {
		ropts.Size(uint(opts.MaxProgramSize))
	}

	re, err := rure.CompileOptions(pattern, flags, ropts)
	if err != nil {
		return nil, &CompileError{Pattern: pattern, Diagnostic: err.Error()}
	}

	return &rureProgram{re: re, pattern: pattern}, nil
}

// rureProgram adapts a *rure.Regex to Program. All methods that touch re are
// safe for concurrent callers per rure's own contract (a compiled Regex may
// be queried by many goroutines at once; only Close is exclusive).
type rureProgram struct {
	re      *rure.Regex
	pattern string

	closeOnce sync.Once
}

func (p *rureProgram) SizeBytes() int {
	// rure does not expose program size directly; this is an estimate of
	// eight bytes per byte of pattern source, not a measured size.
	return len(p.pattern) * 8
}

func (p *rureProgram) NumGroups() int {
	// CaptureGroupLen counts group 0 (the overall match); Program.NumGroups
	// documents "not counting group 0", so subtract it here rather than at
	// every call site.
	return p.re.CaptureGroupLen() - 1
}

func (p *rureProgram) GroupIndex(name string) (int, bool) {
	idx := p.re.CaptureNameIndex(name)
	if idx <= 0 {
		return 0, false
	}
	return idx, true
}

func (p *rureProgram) FullMatch(input []byte) bool {
	start, end, ok := p.re.Find(input, 0)
	return ok && start == 0 && end == len(input)
}

func (p *rureProgram) PartialMatch(input []byte) bool {
	return p.re.IsMatch(input, 0)
}

func (p *rureProgram) FindAll(input []byte) []Match {
	var matches []Match
	it := p.re.Iter(input)
	caps := p.re.NewCaptures()
	for it.Next(caps) {
		start, end, ok := caps.Group(0)
		if !ok {
			break
		}
		m := Match{Overall: Span{Start: start, End: end}}
		n := p.NumGroups()
		if n > 0 {
			m.Groups = make([]Span, n)
			for i := 1; i <= n; i++ {
				gs, ge, gok := caps.Group(i)
				if !gok {
					m.Groups[i-1] = Span{Start: -1, End: -1}
					continue
				}
				m.Groups[i-1] = Span{Start: gs, End: ge}
			}
		}
		matches = append(matches, m)
	}
	return matches
}

func (p *rureProgram) ExtractGroups(input []byte) ([]Span, bool) {
	caps := p.re.NewCaptures()
	if !p.re.Captures(input, 0, caps) {
		return nil, false
	}
	n := p.NumGroups()
	spans := make([]Span, n)
	for i := 1; i <= n; i++ {
		gs, ge, ok := caps.Group(i)
		if !ok {
			spans[i-1] = Span{Start: -1, End: -1}
			continue
		}
		spans[i-1] = Span{Start: gs, End: ge}
	}
	return spans, true
}

func (p *rureProgram) Replace(input []byte, template string, all bool) string {
	matches := p.FindAll(input)
	if len(matches) == 0 {
		return string(input)
	}
	if !all {
		matches = matches[:1]
	}

	var out []byte
	last := 0
	for _, m := range matches {
		out = append(out, input[last:m.Overall.Start]...)
		out = append(out, []byte(template)...)
		last = m.Overall.End
	}
	out = append(out, input[last:]...)
	return string(out)
}

func (p *rureProgram) Destroy() {
	p.closeOnce.Do(func() {
		p.re.Close()
	})
}
