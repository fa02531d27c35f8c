// Package notebook loads cells from percent-format script files and watches
// them for edits.
package notebook

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/hochfrequenz/cellrun/internal/domain"
)

// Notebook is a script file split into cells
type Notebook struct {
	Path     string
	Title    string
	DebugURL string
	Cells    []domain.Cell
}

// cellMarker matches "# %%" with an optional label used as the cell id
var cellMarker = regexp.MustCompile(`^#\s*%%(?:\s+([A-Za-z0-9_.-]+))?\s*$`)

// Load reads and parses a notebook file
func Load(path string) (*Notebook, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading notebook: %w", err)
	}
	nb, err := Parse(abs, content)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return nb, nil
}

// Parse splits content into cells. Unlabelled cells get ids derived from
// path and position so reloading the same file yields the same ids.
func Parse(path string, content []byte) (*Notebook, error) {
	fm, body, err := ParseFrontmatter(normalizeNewlines(content))
	if err != nil {
		return nil, fmt.Errorf("frontmatter: %w", err)
	}

	nb := &Notebook{Path: path, Title: fm.Title, DebugURL: fm.DebugURL}

	type pending struct {
		label string
		lines []string
	}
	var cells []pending
	var cur *pending

	for _, line := range strings.Split(string(body), "\n") {
		if m := cellMarker.FindStringSubmatch(line); m != nil {
			cells = append(cells, pending{label: m[1]})
			cur = &cells[len(cells)-1]
			continue
		}
		if cur == nil {
			// code before the first marker is a cell of its own
			if strings.TrimSpace(line) == "" {
				continue
			}
			cells = append(cells, pending{})
			cur = &cells[len(cells)-1]
		}
		cur.lines = append(cur.lines, line)
	}

	seen := make(map[string]bool)
	for i, p := range cells {
		id := p.label
		if id == "" {
			id = cellID(path, i)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate cell id %q", id)
		}
		seen[id] = true

		nb.Cells = append(nb.Cells, domain.Cell{
			ID:     id,
			Source: trimBlankLines(p.lines),
			Status: domain.CellIdle,
		})
	}
	return nb, nil
}

func cellID(path string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+path+"#"+strconv.Itoa(index))).String()
}

func trimBlankLines(lines []string) string {
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

func normalizeNewlines(b []byte) []byte {
	return []byte(strings.ReplaceAll(string(b), "\r\n", "\n"))
}
