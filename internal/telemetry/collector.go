// Package telemetry receives run and batch outcomes and fans them out to
// whatever wants them: metrics, history, in-memory aggregates.
package telemetry

import "github.com/hochfrequenz/cellrun/internal/domain"

// Collector consumes terminal outcomes. Implementations must be safe for
// concurrent use and should not block.
type Collector interface {
	RecordRun(domain.RunOutcome)
	RecordBatch(domain.BatchOutcome)
}

// Multi fans every outcome out to several collectors in order
type Multi []Collector

func (m Multi) RecordRun(o domain.RunOutcome) {
	for _, c := range m {
		if c != nil {
			c.RecordRun(o)
		}
	}
}

func (m Multi) RecordBatch(o domain.BatchOutcome) {
	for _, c := range m {
		if c != nil {
			c.RecordBatch(o)
		}
	}
}

// Nop discards everything
type Nop struct{}

func (Nop) RecordRun(domain.RunOutcome)     {}
func (Nop) RecordBatch(domain.BatchOutcome) {}
