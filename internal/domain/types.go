package domain

// CellStatus represents the execution state of a cell
type CellStatus string

const (
	CellIdle    CellStatus = "idle"
	CellRunning CellStatus = "running"
	CellSuccess CellStatus = "success"
	CellError   CellStatus = "error"
)

// CompletionStatus is how the runtime reports the end of a cell
type CompletionStatus string

const (
	CompletionCompleted CompletionStatus = "completed"
	CompletionFailed    CompletionStatus = "failed"
	CompletionAborted   CompletionStatus = "aborted"
)

// Valid reports whether s is one of the known completion statuses
func (s CompletionStatus) Valid() bool {
	switch s {
	case CompletionCompleted, CompletionFailed, CompletionAborted:
		return true
	}
	return false
}

// BrowserStatus reports whether the automation's browser is up after a cell
type BrowserStatus string

const (
	BrowserStarted BrowserStatus = "started"
	BrowserStopped BrowserStatus = "stopped"
)

// Stream identifies which output stream a chunk came from
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)
