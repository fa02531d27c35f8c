package domain

import (
	"regexp"
	"strings"
)

// OutputChunk is one piece of text a cell printed while running
type OutputChunk struct {
	Stream Stream
	Text   string
}

// Cell is a user-editable unit of script source with its own execution state
type Cell struct {
	ID     string
	Source string
	Status CellStatus
	Output []OutputChunk
}

// Clone returns a deep copy so callers can't mutate orchestrator-owned state
func (c *Cell) Clone() *Cell {
	if c == nil {
		return nil
	}
	out := *c
	out.Output = make([]OutputChunk, len(c.Output))
	copy(out.Output, c.Output)
	return &out
}

// OutputText concatenates all output chunks in order
func (c *Cell) OutputText() string {
	var b strings.Builder
	for _, chunk := range c.Output {
		b.WriteString(chunk.Text)
	}
	return b.String()
}

var actCallRegex = regexp.MustCompile(`\.act\(`)

// LineCount returns the number of source lines, counting blank lines
func LineCount(source string) int {
	if source == "" {
		return 0
	}
	return strings.Count(source, "\n") + 1
}

// ActionCallCount counts automation action invocations in source
func ActionCallCount(source string) int {
	return len(actCallRegex.FindAllStringIndex(source, -1))
}
