package protocol

import (
	"fmt"
	"strings"
)

// FrameSource splits a cell's source into the command sequence the runtime
// expects. Lines are split on "\n" only, so blank lines, indentation and
// carriage returns survive unchanged.
func FrameSource(cellID, source string) []Command {
	lines := strings.Split(source, "\n")
	cmds := make([]Command, 0, len(lines)+3)
	cmds = append(cmds, CellID{CellID: cellID}, CellCodeStart{})
	for _, line := range lines {
		cmds = append(cmds, CellCodeLine{Line: line})
	}
	return append(cmds, CellCodeEnd{})
}

// Submission is a fully received cell body
type Submission struct {
	CellID string
	Source string
}

// Assembler rebuilds submissions from a command stream, the way the runtime
// side of the channel does.
type Assembler struct {
	cellID string
	lines  []string
	inBody bool
}

// Feed applies one command. It returns a submission once CELL_CODE_END closes a body.
func (a *Assembler) Feed(c Command) (*Submission, error) {
	switch c := c.(type) {
	case CellID:
		if a.inBody {
			return nil, fmt.Errorf("%s inside an open body", CmdCellID)
		}
		a.cellID = c.CellID
	case CellCodeStart:
		if a.inBody {
			return nil, fmt.Errorf("nested %s", CmdCellCodeStart)
		}
		a.inBody = true
		a.lines = a.lines[:0]
	case CellCodeLine:
		if !a.inBody {
			return nil, fmt.Errorf("%s outside a body", CmdCellCodeLine)
		}
		a.lines = append(a.lines, c.Line)
	case CellCodeEnd:
		if !a.inBody {
			return nil, fmt.Errorf("%s without %s", CmdCellCodeEnd, CmdCellCodeStart)
		}
		a.inBody = false
		return &Submission{CellID: a.cellID, Source: strings.Join(a.lines, "\n")}, nil
	case StopExecution, UpdateAPIKey:
		// Out-of-band; does not affect the body being assembled
	}
	return nil, nil
}
