package execx

import (
	"context"
	"strings"
	"sync"
)

// FakeRunner is a scriptable Runner for tests. Responses are matched by
// substring against "program arg1 arg2 ..."; the first match wins. Every
// invocation is recorded.
type FakeRunner struct {
	mu        sync.Mutex
	Responses []FakeResponse
	Calls     []Spec
	// OnRun, when set, runs for every invocation (useful for
	// materializing files the way the real tool would).
	OnRun func(spec Spec)
}

// FakeResponse pairs a command-line substring with a canned result.
type FakeResponse struct {
	Match  string
	Output string
	Err    error
}

// Run implements Runner.
func (f *FakeRunner) Run(_ context.Context, spec Spec) (*Result, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, spec)
	f.mu.Unlock()

	if f.OnRun != nil {
		f.OnRun(spec)
	}

	display := spec.Program + " " + strings.Join(spec.Args, " ")
	for _, r := range f.Responses {
		if strings.Contains(display, r.Match) {
			return &Result{Combined: r.Output}, r.Err
		}
	}
	return &Result{}, nil
}

// CallLines returns each recorded invocation as a single command line.
func (f *FakeRunner) CallLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, 0, len(f.Calls))
	for _, c := range f.Calls {
		lines = append(lines, c.Program+" "+strings.Join(c.Args, " "))
	}
	return lines
}
