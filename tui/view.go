package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/orchestrator"
)

var (
	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	successStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	selectedStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))
)

var tabNames = []string{"Cells", "Output", "History"}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	conn := "disconnected"
	if m.connected {
		conn = "connected"
	}
	header := fmt.Sprintf(" cellrun │ %s │ Cells: %d │ Runtime: %s ", m.title, len(m.cells), conn)
	if m.target != nil {
		header += "│ Live: " + m.target.URL + " "
	}
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case tabCells:
		section = m.renderCells()
	case tabOutput:
		section = m.renderOutput()
	case tabHistory:
		section = m.renderHistory()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	b.WriteString(m.renderStatusBar())
	return b.String()
}

func (m Model) renderTabs() string {
	tabs := make([]string, len(tabNames))
	for i, name := range tabNames {
		if i == m.activeTab {
			tabs[i] = tabActiveStyle.Render(name)
		} else {
			tabs[i] = tabInactiveStyle.Render(name)
		}
	}
	return " " + strings.Join(tabs, "  ")
}

func statusIcon(s domain.CellStatus) string {
	switch s {
	case domain.CellRunning:
		return runningStyle.Render("●")
	case domain.CellSuccess:
		return successStyle.Render("✓")
	case domain.CellError:
		return errorStyle.Render("✗")
	default:
		return dimmedStyle.Render("○")
	}
}

func (m Model) renderCells() string {
	if len(m.cells) == 0 {
		return dimmedStyle.Render("No cells")
	}

	var lines []string
	for i, c := range m.cells {
		first, _, _ := strings.Cut(c.Source, "\n")
		row := fmt.Sprintf("%s %-12s %s", statusIcon(c.Status), truncate(c.ID, 12), truncate(first, max(m.width-24, 10)))
		if i == m.selectedRow {
			row = selectedStyle.Render("›") + " " + row
		} else {
			row = "  " + row
		}
		lines = append(lines, row)
	}

	if m.batch != nil {
		lines = append(lines, "", dimmedStyle.Render(fmt.Sprintf("Last run all: %d succeeded, %d failed, %d aborted",
			m.batch.Succeeded, m.batch.Failed, m.batch.Aborted)))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderOutput() string {
	c, ok := m.selectedCell()
	if !ok {
		return dimmedStyle.Render("No cell selected")
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s %s\n\n", statusIcon(c.Status), c.ID))
	if len(c.Output) == 0 {
		b.WriteString(dimmedStyle.Render("(no output)"))
		return b.String()
	}

	lines := strings.Split(strings.TrimRight(c.OutputText(), "\n"), "\n")
	if limit := m.height - 8; limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}

func (m Model) renderHistory() string {
	if m.history == nil {
		return dimmedStyle.Render("Run history disabled")
	}
	if len(m.runs) == 0 {
		return dimmedStyle.Render("No runs yet")
	}

	var lines []string
	for _, r := range m.runs {
		outcome := string(r.Outcome)
		switch r.Outcome {
		case domain.OutcomeCompleted:
			outcome = successStyle.Render(outcome)
		case domain.OutcomeFailed:
			outcome = errorStyle.Render(outcome)
		default:
			outcome = warningStyle.Render(outcome)
		}
		dur := (time.Duration(r.DurationMs) * time.Millisecond).Round(time.Millisecond)
		lines = append(lines, fmt.Sprintf("%s  %-12s %-10s %8s", r.StartedAt.Format("15:04:05"), truncate(r.CellID, 12), outcome, dur))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderStatusBar() string {
	help := "enter run │ a run all │ A restart+run all │ r restart │ s stop │ tab │ q quit"
	msg := m.notice.Message
	switch m.notice.Level {
	case orchestrator.NoticeError:
		msg = errorStyle.Render(msg)
	case orchestrator.NoticeWarning:
		msg = warningStyle.Render(msg)
	}
	if msg == "" {
		return statusBarStyle.Width(m.width).Render(" " + help)
	}
	return msg + "\n" + statusBarStyle.Width(m.width).Render(" "+help)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
