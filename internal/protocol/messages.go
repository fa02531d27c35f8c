// Package protocol defines the frames exchanged with the script runtime.
// Every frame is one JSON object carried by one WebSocket text message.
// Commands flow to the runtime, events flow back.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hochfrequenz/cellrun/internal/domain"
)

// Command type constants
const (
	CmdCellID        = "CELL_ID"
	CmdCellCodeStart = "CELL_CODE_START"
	CmdCellCodeLine  = "CELL_CODE_LINE"
	CmdCellCodeEnd   = "CELL_CODE_END"
	CmdStopExecution = "STOP_EXECUTION"
	CmdUpdateAPIKey  = "UPDATE_API_KEY"
)

// Event type constants
const (
	TypeStdout  = "stdout"
	TypeStderr  = "stderr"
	TypeCellEnd = "cell_end"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUnknownEvent   = errors.New("unknown event type")
)

// Command is a frame sent to the runtime. The set of implementations is closed.
type Command interface {
	command()
	Name() string
}

// CellID associates the frames that follow with a cell
type CellID struct {
	CellID string
}

// CellCodeStart opens a source body
type CellCodeStart struct{}

// CellCodeLine carries exactly one source line without its newline
type CellCodeLine struct {
	Line string
}

// CellCodeEnd closes a source body; the runtime executes it on receipt
type CellCodeEnd struct{}

// StopExecution asks the runtime to abort the current cell. Best effort.
type StopExecution struct{}

// UpdateAPIKey refreshes the runtime's credential without a restart
type UpdateAPIKey struct {
	Data string
}

func (CellID) command()        {}
func (CellCodeStart) command() {}
func (CellCodeLine) command()  {}
func (CellCodeEnd) command()   {}
func (StopExecution) command() {}
func (UpdateAPIKey) command()  {}

func (CellID) Name() string        { return CmdCellID }
func (CellCodeStart) Name() string { return CmdCellCodeStart }
func (CellCodeLine) Name() string  { return CmdCellCodeLine }
func (CellCodeEnd) Name() string   { return CmdCellCodeEnd }
func (StopExecution) Name() string { return CmdStopExecution }
func (UpdateAPIKey) Name() string  { return CmdUpdateAPIKey }

// commandFrame is the wire shape of every command
type commandFrame struct {
	Cmd    string  `json:"cmd"`
	CellID string  `json:"cellId,omitempty"`
	Line   *string `json:"line,omitempty"` // pointer so blank lines are still sent
	Data   string  `json:"data,omitempty"`
}

// EncodeCommand marshals a command to its wire frame
func EncodeCommand(c Command) ([]byte, error) {
	frame := commandFrame{Cmd: c.Name()}
	switch c := c.(type) {
	case CellID:
		frame.CellID = c.CellID
	case CellCodeLine:
		line := c.Line
		frame.Line = &line
	case UpdateAPIKey:
		frame.Data = c.Data
	case CellCodeStart, CellCodeEnd, StopExecution:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, c)
	}
	return json.Marshal(frame)
}

// DecodeCommand parses a wire frame into a command
func DecodeCommand(data []byte) (Command, error) {
	var frame commandFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("invalid command frame: %w", err)
	}

	switch frame.Cmd {
	case CmdCellID:
		return CellID{CellID: frame.CellID}, nil
	case CmdCellCodeStart:
		return CellCodeStart{}, nil
	case CmdCellCodeLine:
		if frame.Line == nil {
			return nil, fmt.Errorf("%s frame without line", CmdCellCodeLine)
		}
		return CellCodeLine{Line: *frame.Line}, nil
	case CmdCellCodeEnd:
		return CellCodeEnd{}, nil
	case CmdStopExecution:
		return StopExecution{}, nil
	case CmdUpdateAPIKey:
		return UpdateAPIKey{Data: frame.Data}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, frame.Cmd)
	}
}

// Event is a frame received from the runtime, or a local connection event.
// The set of implementations is closed.
type Event interface {
	event()
}

// Output is an incremental stdout or stderr chunk
type Output struct {
	Stream domain.Stream
	CellID string
	Data   string
}

// CellEnd is the terminal event for a cell
type CellEnd struct {
	CellID     string
	Success    bool
	Completion domain.CompletionStatus
	Browser    domain.BrowserStatus
}

// Disconnected is produced locally when the connection ends unexpectedly.
// It never appears on the wire.
type Disconnected struct {
	Err error
}

func (Output) event()       {}
func (CellEnd) event()      {}
func (Disconnected) event() {}

// eventFrame is the wire shape of every runtime event
type eventFrame struct {
	Type             string `json:"type"`
	CellID           string `json:"cellId"`
	Data             string `json:"data,omitempty"`
	Success          bool   `json:"success,omitempty"`
	CompletionStatus string `json:"completionStatus,omitempty"`
	NovaActStatus    string `json:"novaActStatus,omitempty"`
}

// DecodeEvent parses a runtime event frame
func DecodeEvent(data []byte) (Event, error) {
	var frame eventFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("invalid event frame: %w", err)
	}

	switch frame.Type {
	case TypeStdout:
		return Output{Stream: domain.StreamStdout, CellID: frame.CellID, Data: frame.Data}, nil
	case TypeStderr:
		return Output{Stream: domain.StreamStderr, CellID: frame.CellID, Data: frame.Data}, nil
	case TypeCellEnd:
		completion := domain.CompletionStatus(frame.CompletionStatus)
		if !completion.Valid() {
			// Older runtimes only report success
			completion = domain.CompletionFailed
			if frame.Success {
				completion = domain.CompletionCompleted
			}
		}
		return CellEnd{
			CellID:     frame.CellID,
			Success:    frame.Success,
			Completion: completion,
			Browser:    domain.BrowserStatus(frame.NovaActStatus),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, frame.Type)
	}
}

// EncodeEvent marshals a runtime event. Disconnected has no wire form.
func EncodeEvent(e Event) ([]byte, error) {
	switch e := e.(type) {
	case Output:
		return json.Marshal(eventFrame{Type: string(e.Stream), CellID: e.CellID, Data: e.Data})
	case CellEnd:
		return json.Marshal(eventFrame{
			Type:             TypeCellEnd,
			CellID:           e.CellID,
			Success:          e.Success,
			CompletionStatus: string(e.Completion),
			NovaActStatus:    string(e.Browser),
		})
	default:
		return nil, fmt.Errorf("%w: %T has no wire form", ErrUnknownEvent, e)
	}
}
