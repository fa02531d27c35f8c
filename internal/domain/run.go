package domain

import "time"

// RunContext correlates one cell execution with its timing and batch.
// It exists from submission until the cell's terminal event.
type RunContext struct {
	RunID      string
	CellID     string
	ConnID     uint64
	StartedAt  time.Time
	BatchRunID string
	LineCount  int
	ActCount   int
}

// BatchRun is an ordered, fail-fast "run all" over the session's cells
type BatchRun struct {
	RunID      string
	CellIDs    []string
	Dispatched []string
	Succeeded  int
	Failed     int
	Aborted    int
	Restarts   int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// Attempted returns the number of cells whose outcome has been counted
func (b *BatchRun) Attempted() int {
	return b.Succeeded + b.Failed + b.Aborted
}

// Reset clears progress so the batch can resume from its first cell
func (b *BatchRun) Reset() {
	b.Dispatched = nil
	b.Succeeded = 0
	b.Failed = 0
	b.Aborted = 0
}

// Outcome is the terminal classification of a run
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeAborted   Outcome = "aborted"
)

// RunOutcome is handed to telemetry when a run context terminates
type RunOutcome struct {
	RunID           string
	CellID          string
	BatchID         string
	StartedAt       time.Time
	DurationMs      int64
	LineCount       int
	ActionCallCount int
	Outcome         Outcome
}

// BatchOutcome is handed to telemetry when a batch run terminates
type BatchOutcome struct {
	RunID      string
	CellIDs    []string
	StartedAt  time.Time
	DurationMs int64
	Succeeded  int
	Failed     int
	Aborted    int
	Restarts   int
	Outcome    Outcome
}
