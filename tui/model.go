// Package tui is a terminal client for one session's cells.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/orchestrator"
	"github.com/hochfrequenz/cellrun/internal/runstore"
)

// Controller is the orchestrator as driven by the TUI
type Controller interface {
	Cells() []domain.Cell
	Connected() bool
	Run(ctx context.Context, cellID string) (domain.Cell, error)
	RunAll(ctx context.Context) (*domain.BatchRun, error)
	RestartAndRunAll(ctx context.Context) (*domain.BatchRun, error)
	Restart(ctx context.Context, force bool) error
	Cancel() bool
	Subscribe() (<-chan orchestrator.Notification, func())
}

// History lists past runs
type History interface {
	ListRuns(opts runstore.ListOptions) ([]domain.RunOutcome, error)
}

const (
	tabCells = iota
	tabOutput
	tabHistory
	numTabs
)

// Model is the TUI application model
type Model struct {
	ctx     context.Context
	ctrl    Controller
	history History
	title   string

	notes       <-chan orchestrator.Notification
	unsubscribe func()

	// Data
	cells     []domain.Cell
	connected bool
	target    *domain.DebugTarget
	batch     *domain.BatchRun
	runs      []domain.RunOutcome
	notice    orchestrator.Notice

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int

	// Refresh
	lastRefresh time.Time
}

// ModelConfig holds what the TUI model needs
type ModelConfig struct {
	Ctx        context.Context
	Controller Controller
	History    History // optional
	Title      string
}

// NewModel creates a new TUI model subscribed to the controller's notifications
func NewModel(cfg ModelConfig) Model {
	ctx := cfg.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	notes, unsubscribe := cfg.Controller.Subscribe()
	m := Model{
		ctx:         ctx,
		ctrl:        cfg.Controller,
		history:     cfg.History,
		title:       cfg.Title,
		notes:       notes,
		unsubscribe: unsubscribe,
	}
	m.refresh()
	return m
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		waitForNotification(m.notes),
	)
}

// Close ends the notification subscription
func (m Model) Close() {
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// NotificationMsg delivers one orchestrator notification
type NotificationMsg struct {
	Notification orchestrator.Notification
}

type notificationsClosedMsg struct{}

func waitForNotification(notes <-chan orchestrator.Notification) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-notes
		if !ok {
			return notificationsClosedMsg{}
		}
		return NotificationMsg{Notification: n}
	}
}

// ActionDoneMsg is sent when a run, batch or restart started from the TUI returns
type ActionDoneMsg struct {
	Action string
	Err    error
}

func (m *Model) refresh() {
	m.cells = m.ctrl.Cells()
	m.connected = m.ctrl.Connected()
	if m.selectedRow >= len(m.cells) {
		m.selectedRow = max(len(m.cells)-1, 0)
	}
	if m.history != nil {
		if runs, err := m.history.ListRuns(runstore.ListOptions{Limit: 50}); err == nil {
			m.runs = runs
		}
	}
	m.lastRefresh = time.Now()
}

func (m Model) selectedCell() (domain.Cell, bool) {
	if m.selectedRow < 0 || m.selectedRow >= len(m.cells) {
		return domain.Cell{}, false
	}
	return m.cells[m.selectedRow], true
}
