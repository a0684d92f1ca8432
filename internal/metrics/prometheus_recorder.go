package metrics

import (
	"fmt"
	"io"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// PrometheusRecorder implements Recorder on a private registry. A batch
// run has no scrape endpoint; the registry is dumped in text exposition
// format at run end for the node_exporter textfile collector.
type PrometheusRecorder struct {
	registry      *prom.Registry
	runDuration   prom.Histogram
	phaseDuration *prom.HistogramVec
	branchOutcome *prom.CounterVec
	cacheEntries  *prom.GaugeVec
}

// NewPrometheusRecorder constructs and registers the run metrics.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prom.NewRegistry()
	pr := &PrometheusRecorder{
		registry: reg,
		runDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "pipmirror",
			Name:      "run_duration_seconds",
			Help:      "Total duration of a mirror run",
			Buckets:   prom.ExponentialBuckets(1, 4, 10),
		}),
		phaseDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "pipmirror",
			Name:      "phase_duration_seconds",
			Help:      "Duration of the download and publish phases per mirror",
			Buckets:   prom.ExponentialBuckets(1, 4, 10),
		}, []string{"mirror", "phase"}),
		branchOutcome: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "pipmirror",
			Name:      "branch_outcomes_total",
			Help:      "Branch outcomes by terminal state",
		}, []string{"mirror", "outcome"}),
		cacheEntries: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "pipmirror",
			Name:      "cache_entries",
			Help:      "Artifact cache entries by scope at publish time",
		}, []string{"mirror", "scope"}),
	}
	reg.MustRegister(pr.runDuration, pr.phaseDuration, pr.branchOutcome, pr.cacheEntries)
	return pr
}

func (pr *PrometheusRecorder) ObserveRunDuration(d time.Duration) {
	pr.runDuration.Observe(d.Seconds())
}

func (pr *PrometheusRecorder) ObservePhaseDuration(mirror, phase string, d time.Duration) {
	pr.phaseDuration.WithLabelValues(mirror, phase).Observe(d.Seconds())
}

func (pr *PrometheusRecorder) IncBranchOutcome(mirror string, outcome BranchOutcome) {
	pr.branchOutcome.WithLabelValues(mirror, string(outcome)).Inc()
}

func (pr *PrometheusRecorder) SetCacheEntries(mirror, scope string, n int) {
	pr.cacheEntries.WithLabelValues(mirror, scope).Set(float64(n))
}

// WriteTo dumps the registry in text exposition format.
func (pr *PrometheusRecorder) WriteTo(w io.Writer) error {
	families, err := pr.registry.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}
