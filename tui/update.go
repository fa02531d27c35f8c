package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/cellrun/internal/orchestrator"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.Close()
			return m, tea.Quit
		case "j", "down":
			if m.selectedRow < len(m.cells)-1 {
				m.selectedRow++
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % numTabs
		case "o":
			m.activeTab = tabOutput
		case "h":
			m.activeTab = tabHistory
		case "enter":
			if c, ok := m.selectedCell(); ok {
				id := c.ID
				return m, m.action("run "+id, func(ctx context.Context) error {
					_, err := m.ctrl.Run(ctx, id)
					return err
				})
			}
		case "a":
			return m, m.action("run all", func(ctx context.Context) error {
				_, err := m.ctrl.RunAll(ctx)
				return err
			})
		case "A":
			return m, m.action("restart and run all", func(ctx context.Context) error {
				_, err := m.ctrl.RestartAndRunAll(ctx)
				return err
			})
		case "r":
			return m, m.action("restart", func(ctx context.Context) error {
				return m.ctrl.Restart(ctx, false)
			})
		case "s", "esc":
			if m.ctrl.Cancel() {
				m.notice = orchestrator.Notice{Level: orchestrator.NoticeInfo, Message: "Stop requested"}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		m.refresh()
		return m, tickCmd()

	case NotificationMsg:
		m.apply(msg.Notification)
		return m, waitForNotification(m.notes)

	case notificationsClosedMsg:
		return m, nil

	case ActionDoneMsg:
		// Single-flight rejections and cell failures are already reported
		// through notifications
		if msg.Err != nil && !errors.Is(msg.Err, orchestrator.ErrSingleFlight) {
			m.notice = orchestrator.Notice{Level: orchestrator.NoticeError, Message: msg.Action + ": " + msg.Err.Error()}
		}
		m.refresh()
	}

	return m, nil
}

func (m *Model) apply(n orchestrator.Notification) {
	switch n := n.(type) {
	case orchestrator.CellStatusChanged, orchestrator.CellOutput:
		m.cells = m.ctrl.Cells()
	case orchestrator.RestartRequested:
		m.connected = false
		m.target = nil
		m.notice = orchestrator.Notice{Level: orchestrator.NoticeInfo, Message: "Restarting runtime..."}
	case orchestrator.Notice:
		m.notice = n
	case orchestrator.BatchFinished:
		b := n.Batch
		m.batch = &b
		m.refresh()
	case orchestrator.LiveViewChanged:
		m.target = n.Target
	}
	m.connected = m.ctrl.Connected()
}

// action runs fn off the UI goroutine and reports back with ActionDoneMsg
func (m Model) action(name string, fn func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return ActionDoneMsg{Action: name, Err: fn(ctx)}
	}
}
