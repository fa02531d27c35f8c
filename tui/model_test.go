package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/orchestrator"
	"github.com/hochfrequenz/cellrun/internal/runstore"
)

type fakeController struct {
	mu        sync.Mutex
	cells     []domain.Cell
	connected bool
	ran       []string
	runAlls   int
	restarts  int
	cancelled bool
	runErr    error
	notes     chan orchestrator.Notification
}

func newFakeController(ids ...string) *fakeController {
	f := &fakeController{connected: true, notes: make(chan orchestrator.Notification, 8)}
	for _, id := range ids {
		f.cells = append(f.cells, domain.Cell{ID: id, Source: "print " + id, Status: domain.CellIdle})
	}
	return f
}

func (f *fakeController) Cells() []domain.Cell {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Cell(nil), f.cells...)
}

func (f *fakeController) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeController) Run(ctx context.Context, id string) (domain.Cell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, id)
	return domain.Cell{ID: id}, f.runErr
}

func (f *fakeController) RunAll(ctx context.Context) (*domain.BatchRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runAlls++
	return &domain.BatchRun{}, nil
}

func (f *fakeController) RestartAndRunAll(ctx context.Context) (*domain.BatchRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	f.runAlls++
	return &domain.BatchRun{}, nil
}

func (f *fakeController) Restart(ctx context.Context, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return nil
}

func (f *fakeController) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return true
}

func (f *fakeController) Subscribe() (<-chan orchestrator.Notification, func()) {
	return f.notes, func() {}
}

type fakeHistory struct {
	runs []domain.RunOutcome
}

func (f fakeHistory) ListRuns(runstore.ListOptions) ([]domain.RunOutcome, error) {
	return f.runs, nil
}

func sized(m Model) Model {
	newModel, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return newModel.(Model)
}

func press(m Model, key string) (Model, tea.Cmd) {
	var msg tea.KeyMsg
	switch key {
	case "tab":
		msg = tea.KeyMsg{Type: tea.KeyTab}
	case "enter":
		msg = tea.KeyMsg{Type: tea.KeyEnter}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(key)}
	}
	newModel, cmd := m.Update(msg)
	return newModel.(Model), cmd
}

func TestNewModel(t *testing.T) {
	model := NewModel(ModelConfig{Controller: newFakeController("a", "b"), Title: "flow"})

	if len(model.cells) != 2 {
		t.Errorf("cells count = %d, want 2", len(model.cells))
	}
	if !model.connected {
		t.Error("model should report the runtime as connected")
	}
	if model.activeTab != tabCells {
		t.Errorf("activeTab = %d, want %d", model.activeTab, tabCells)
	}
	if model.View() != "Loading..." {
		t.Error("View before the first resize should be the loading screen")
	}
}

func TestModel_TabSwitching(t *testing.T) {
	model := sized(NewModel(ModelConfig{Controller: newFakeController("a")}))

	model, _ = press(model, "tab")
	if model.activeTab != tabOutput {
		t.Errorf("after first tab: activeTab = %d, want %d", model.activeTab, tabOutput)
	}
	model, _ = press(model, "tab")
	model, _ = press(model, "tab")
	if model.activeTab != tabCells {
		t.Errorf("after wrap: activeTab = %d, want %d", model.activeTab, tabCells)
	}

	model, _ = press(model, "h")
	if model.activeTab != tabHistory {
		t.Errorf("h: activeTab = %d, want %d", model.activeTab, tabHistory)
	}
}

func TestModel_Navigation(t *testing.T) {
	model := sized(NewModel(ModelConfig{Controller: newFakeController("a", "b")}))

	model, _ = press(model, "k")
	if model.selectedRow != 0 {
		t.Errorf("selectedRow = %d, want 0", model.selectedRow)
	}
	model, _ = press(model, "j")
	model, _ = press(model, "j")
	if model.selectedRow != 1 {
		t.Errorf("selectedRow = %d, want 1 (clamped)", model.selectedRow)
	}
}

func TestModel_EnterRunsSelectedCell(t *testing.T) {
	ctrl := newFakeController("a", "b")
	model := sized(NewModel(ModelConfig{Controller: ctrl}))
	model, _ = press(model, "j")

	model, cmd := press(model, "enter")
	if cmd == nil {
		t.Fatal("enter should return a command")
	}
	msg := cmd()
	done, ok := msg.(ActionDoneMsg)
	if !ok {
		t.Fatalf("msg = %T, want ActionDoneMsg", msg)
	}
	if done.Err != nil {
		t.Errorf("Err = %v", done.Err)
	}
	if len(ctrl.ran) != 1 || ctrl.ran[0] != "b" {
		t.Errorf("ran = %v, want [b]", ctrl.ran)
	}
	model.Update(done)
}

func TestModel_RunAllRestartAndStop(t *testing.T) {
	ctrl := newFakeController("a")
	model := sized(NewModel(ModelConfig{Controller: ctrl}))

	_, cmd := press(model, "a")
	cmd()
	_, cmd = press(model, "A")
	cmd()
	_, cmd = press(model, "r")
	cmd()

	if ctrl.runAlls != 2 {
		t.Errorf("runAlls = %d, want 2", ctrl.runAlls)
	}
	if ctrl.restarts != 2 {
		t.Errorf("restarts = %d, want 2", ctrl.restarts)
	}

	model, _ = press(model, "s")
	if !ctrl.cancelled {
		t.Error("s should cancel the running cell")
	}
	if model.notice.Message != "Stop requested" {
		t.Errorf("notice = %q", model.notice.Message)
	}
}

func TestModel_ActionErrorShownUnlessSingleFlight(t *testing.T) {
	model := sized(NewModel(ModelConfig{Controller: newFakeController("a")}))

	newModel, _ := model.Update(ActionDoneMsg{Action: "run a", Err: orchestrator.ErrSingleFlight})
	model = newModel.(Model)
	if model.notice.Message != "" {
		t.Errorf("single-flight rejection should not add a notice, got %q", model.notice.Message)
	}

	newModel, _ = model.Update(ActionDoneMsg{Action: "run a", Err: errors.New("boom")})
	model = newModel.(Model)
	if model.notice.Level != orchestrator.NoticeError || !strings.Contains(model.notice.Message, "boom") {
		t.Errorf("notice = %+v", model.notice)
	}
}

func TestModel_Notifications(t *testing.T) {
	ctrl := newFakeController("a")
	model := sized(NewModel(ModelConfig{Controller: ctrl, Title: "flow"}))

	target := &domain.DebugTarget{ID: "t", Type: "page", URL: "https://shop.example"}
	newModel, cmd := model.Update(NotificationMsg{Notification: orchestrator.LiveViewChanged{Target: target}})
	model = newModel.(Model)
	if cmd == nil {
		t.Error("a notification should re-arm the listener")
	}
	if !strings.Contains(model.View(), "https://shop.example") {
		t.Error("header should show the live view URL")
	}

	ctrl.mu.Lock()
	ctrl.cells[0].Status = domain.CellSuccess
	ctrl.cells[0].Output = []domain.OutputChunk{{Stream: domain.StreamStdout, Text: "hello\n"}}
	ctrl.mu.Unlock()
	newModel, _ = model.Update(NotificationMsg{Notification: orchestrator.CellStatusChanged{CellID: "a", Status: domain.CellSuccess}})
	model = newModel.(Model)
	if model.cells[0].Status != domain.CellSuccess {
		t.Errorf("cell status = %s, want success", model.cells[0].Status)
	}

	model, _ = press(model, "o")
	if !strings.Contains(model.View(), "hello") {
		t.Error("output tab should show the selected cell's output")
	}

	newModel, _ = model.Update(NotificationMsg{Notification: orchestrator.RestartRequested{}})
	model = newModel.(Model)
	if model.target != nil {
		t.Error("restart should drop the live view")
	}

	newModel, _ = model.Update(NotificationMsg{Notification: orchestrator.BatchFinished{Batch: domain.BatchRun{Succeeded: 1}}})
	model = newModel.(Model)
	model, _ = press(model, "tab")
	model, _ = press(model, "tab")
	if !strings.Contains(model.View(), "Run history disabled") {
		t.Error("history tab without a store should say so")
	}
}

func TestModel_History(t *testing.T) {
	history := fakeHistory{runs: []domain.RunOutcome{
		{RunID: "r1", CellID: "login", Outcome: domain.OutcomeFailed, StartedAt: time.Now(), DurationMs: 1500},
	}}
	model := sized(NewModel(ModelConfig{Controller: newFakeController("a"), History: history}))
	model, _ = press(model, "h")

	view := model.View()
	if !strings.Contains(view, "login") || !strings.Contains(view, "1.5s") {
		t.Errorf("history view missing run:\n%s", view)
	}
}

func TestWaitForNotification(t *testing.T) {
	notes := make(chan orchestrator.Notification, 1)
	notes <- orchestrator.Notice{Message: "hi"}
	if msg, ok := waitForNotification(notes)().(NotificationMsg); !ok || msg.Notification.(orchestrator.Notice).Message != "hi" {
		t.Errorf("unexpected msg %+v", msg)
	}

	close(notes)
	if _, ok := waitForNotification(notes)().(notificationsClosedMsg); !ok {
		t.Error("closed stream should yield notificationsClosedMsg")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"much too long", 8, "much to…"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
