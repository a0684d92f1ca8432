package metrics

import "time"

// BranchOutcome enumerates terminal branch states for counters.
type BranchOutcome string

const (
	OutcomeCached  BranchOutcome = "cached"
	OutcomeSkipped BranchOutcome = "skipped"
	OutcomeFailed  BranchOutcome = "failed"
)

// Recorder defines observability hooks for mirror runs. Implementations
// may forward to Prometheus or elsewhere; the NoopRecorder allows optional
// injection.
type Recorder interface {
	ObserveRunDuration(d time.Duration)
	ObservePhaseDuration(mirror, phase string, d time.Duration)
	IncBranchOutcome(mirror string, outcome BranchOutcome)
	SetCacheEntries(mirror string, scope string, n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are
// not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveRunDuration(time.Duration)                   {}
func (NoopRecorder) ObservePhaseDuration(string, string, time.Duration) {}
func (NoopRecorder) IncBranchOutcome(string, BranchOutcome)             {}
func (NoopRecorder) SetCacheEntries(string, string, int)                {}
