package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hochfrequenz/cellrun/internal/domain"
)

// Prometheus exports outcomes as counters and histograms
type Prometheus struct {
	runs          *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	actions       prometheus.Counter
	batches       *prometheus.CounterVec
	batchDuration prometheus.Histogram
	restarts      prometheus.Counter
}

// NewPrometheus registers the cellrun metrics on reg
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellrun",
			Name:      "cell_runs_total",
			Help:      "Cell runs by outcome.",
		}, []string{"outcome", "batch"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cellrun",
			Name:      "cell_run_duration_seconds",
			Help:      "Wall time of cell runs.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"outcome"}),
		actions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellrun",
			Name:      "action_calls_total",
			Help:      "Automation action calls in submitted cells.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cellrun",
			Name:      "batch_runs_total",
			Help:      "Run-all batches by outcome.",
		}, []string{"outcome"}),
		batchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "cellrun",
			Name:      "batch_run_duration_seconds",
			Help:      "Wall time of run-all batches.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "cellrun",
			Name:      "batch_restarts_total",
			Help:      "Runtime restarts that interrupted a batch.",
		}),
	}

	for _, c := range []prometheus.Collector{p.runs, p.runDuration, p.actions, p.batches, p.batchDuration, p.restarts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) RecordRun(o domain.RunOutcome) {
	inBatch := "false"
	if o.BatchID != "" {
		inBatch = "true"
	}
	p.runs.WithLabelValues(string(o.Outcome), inBatch).Inc()
	p.runDuration.WithLabelValues(string(o.Outcome)).Observe(float64(o.DurationMs) / 1000)
	p.actions.Add(float64(o.ActionCallCount))
}

func (p *Prometheus) RecordBatch(o domain.BatchOutcome) {
	p.batches.WithLabelValues(string(o.Outcome)).Inc()
	p.batchDuration.Observe(float64(o.DurationMs) / 1000)
	p.restarts.Add(float64(o.Restarts))
}
