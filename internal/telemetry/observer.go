package telemetry

import (
	"sync"
	"time"

	"github.com/hochfrequenz/cellrun/internal/domain"
)

// Observer keeps run outcomes in memory and flags runs that take too long
type Observer struct {
	stuckThreshold time.Duration
	now            func() time.Time

	runs    []domain.RunOutcome
	batches []domain.BatchOutcome
	mu      sync.RWMutex
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalRuns     int
	Completed     int
	Failed        int
	Aborted       int
	TotalBatches  int
	FailedBatches int
	TotalActions  int
	AvgDuration   time.Duration
}

// NewObserver creates an Observer
func NewObserver(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		now:            time.Now,
	}
}

// IsStuck returns true if a run has been going longer than the threshold
func (o *Observer) IsStuck(rc domain.RunContext) bool {
	if rc.StartedAt.IsZero() || o.stuckThreshold <= 0 {
		return false
	}
	return o.now().Sub(rc.StartedAt) > o.stuckThreshold
}

// RecordRun records a finished run
func (o *Observer) RecordRun(out domain.RunOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runs = append(o.runs, out)
}

// RecordBatch records a finished batch
func (o *Observer) RecordBatch(out domain.BatchOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, out)
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var metrics Metrics
	var totalDuration time.Duration

	for _, r := range o.runs {
		metrics.TotalRuns++
		metrics.TotalActions += r.ActionCallCount
		totalDuration += time.Duration(r.DurationMs) * time.Millisecond
		switch r.Outcome {
		case domain.OutcomeCompleted:
			metrics.Completed++
		case domain.OutcomeFailed:
			metrics.Failed++
		case domain.OutcomeAborted:
			metrics.Aborted++
		}
	}
	for _, b := range o.batches {
		metrics.TotalBatches++
		if b.Outcome != domain.OutcomeCompleted {
			metrics.FailedBatches++
		}
	}

	if metrics.TotalRuns > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(metrics.TotalRuns)
	}

	return metrics
}

// RecentRuns returns the cell ids of runs started within the last duration
func (o *Observer) RecentRuns(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := o.now().Add(-since)
	var result []string

	for _, r := range o.runs {
		if r.StartedAt.After(cutoff) {
			result = append(result, r.CellID)
		}
	}

	return result
}
