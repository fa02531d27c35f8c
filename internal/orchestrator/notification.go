package orchestrator

import "github.com/hochfrequenz/cellrun/internal/domain"

// Notification is pushed to subscribers for the presentation layer.
// It is one of CellStatusChanged, CellOutput, RestartRequested, Notice,
// BatchFinished or LiveViewChanged.
type Notification interface {
	notification()
}

// CellStatusChanged reports a cell's new status
type CellStatusChanged struct {
	CellID     string
	Status     domain.CellStatus
	Completion domain.CompletionStatus
}

// CellOutput carries one output chunk of the running cell
type CellOutput struct {
	CellID string
	Chunk  domain.OutputChunk
}

// RestartRequested is sent when the runtime is about to be restarted
type RestartRequested struct{}

// NoticeLevel grades a user notice
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice is a message meant for the user
type Notice struct {
	Level   NoticeLevel
	Message string
}

// BatchFinished is sent once per batch run
type BatchFinished struct {
	Batch   domain.BatchRun
	Outcome domain.BatchOutcome
}

// LiveViewChanged carries the new live-view target. A nil target means the
// live view is gone; Err is set when discovery failed.
type LiveViewChanged struct {
	Target *domain.DebugTarget
	Err    error
}

func (CellStatusChanged) notification() {}
func (CellOutput) notification()        {}
func (RestartRequested) notification()  {}
func (Notice) notification()            {}
func (BatchFinished) notification()     {}
func (LiveViewChanged) notification()   {}

// Kind names a notification for transports
func Kind(n Notification) string {
	switch n.(type) {
	case CellStatusChanged:
		return "cell_status"
	case CellOutput:
		return "cell_output"
	case RestartRequested:
		return "restart"
	case Notice:
		return "notice"
	case BatchFinished:
		return "batch_finished"
	case LiveViewChanged:
		return "live_view"
	default:
		return "unknown"
	}
}
