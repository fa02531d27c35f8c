package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/cellrun/internal/channel"
	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/protocol"
)

// behavior scripts the runtime's answer to a submission
type behavior func(conn uint64, cellID, source string) []protocol.Event

// script answers by source: "hang" never ends, "fail" fails, "browser"
// reports the browser started, "close-browser" reports it stopped, anything
// else echoes its source and succeeds
func script(conn uint64, cellID, source string) []protocol.Event {
	switch source {
	case "hang":
		return nil
	case "fail":
		return []protocol.Event{
			protocol.Output{Stream: domain.StreamStderr, CellID: cellID, Data: "boom\n"},
			protocol.CellEnd{CellID: cellID, Success: false, Completion: domain.CompletionFailed},
		}
	case "browser":
		return []protocol.Event{protocol.CellEnd{CellID: cellID, Success: true, Completion: domain.CompletionCompleted, Browser: domain.BrowserStarted}}
	case "close-browser":
		return []protocol.Event{protocol.CellEnd{CellID: cellID, Success: true, Completion: domain.CompletionCompleted, Browser: domain.BrowserStopped}}
	}
	return []protocol.Event{
		protocol.Output{Stream: domain.StreamStdout, CellID: cellID, Data: source + "\n"},
		protocol.CellEnd{CellID: cellID, Success: true, Completion: domain.CompletionCompleted},
	}
}

type submission struct {
	conn   uint64
	cellID string
	source string
}

type fakeExec struct {
	id     uint64
	rt     *fakeRuntime
	events chan channel.Event
}

func (f *fakeExec) ID() uint64                   { return f.id }
func (f *fakeExec) Events() <-chan channel.Event { return f.events }

func (f *fakeExec) Submit(cellID, source string) error {
	f.rt.mu.Lock()
	f.rt.submitted = append(f.rt.submitted, submission{conn: f.id, cellID: cellID, source: source})
	behave := f.rt.behave
	err := f.rt.submitErr
	f.rt.mu.Unlock()

	if err != nil {
		return err
	}
	for _, ev := range behave(f.id, cellID, source) {
		f.emit(ev)
	}
	return nil
}

func (f *fakeExec) Stop() error {
	f.rt.mu.Lock()
	f.rt.stops++
	f.rt.mu.Unlock()
	return nil
}

func (f *fakeExec) emit(ev protocol.Event) {
	f.events <- channel.Event{ConnID: f.id, Payload: ev}
}

// fakeRuntime hands out executors and restarts like the runtime manager does
type fakeRuntime struct {
	o *Orchestrator

	mu         sync.Mutex
	execs      []*fakeExec
	submitted  []submission
	stops      int
	restarts   int
	restartErr error
	submitErr  error
	behave     behavior
}

func (r *fakeRuntime) connect() *fakeExec {
	r.mu.Lock()
	e := &fakeExec{id: uint64(len(r.execs) + 1), rt: r, events: make(chan channel.Event, 64)}
	r.execs = append(r.execs, e)
	r.mu.Unlock()

	r.o.ConnectionReady(e)
	return e
}

func (r *fakeRuntime) Restart(ctx context.Context, force bool) error {
	r.mu.Lock()
	r.restarts++
	err := r.restartErr
	r.mu.Unlock()

	r.o.Invalidate()
	if err != nil {
		return err
	}
	r.connect()
	return nil
}

func (r *fakeRuntime) current() *fakeExec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.execs[len(r.execs)-1]
}

func (r *fakeRuntime) submissions() []submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]submission(nil), r.submitted...)
}

func (r *fakeRuntime) stopCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

func (r *fakeRuntime) setBehavior(b behavior) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.behave = b
}

// recorder keeps every outcome handed to telemetry
type recorder struct {
	mu      sync.Mutex
	runs    []domain.RunOutcome
	batches []domain.BatchOutcome
}

func (r *recorder) RecordRun(o domain.RunOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, o)
}

func (r *recorder) RecordBatch(o domain.BatchOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, o)
}

func (r *recorder) runOutcomes() []domain.RunOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RunOutcome(nil), r.runs...)
}

func (r *recorder) batchOutcomes() []domain.BatchOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.BatchOutcome(nil), r.batches...)
}

// fakeLiveView records bridge calls and answers discovery through the sink
type fakeLiveView struct {
	o *Orchestrator

	mu        sync.Mutex
	discovers int
	closes    int
	fail      error
}

func (f *fakeLiveView) Discover(ctx context.Context, baseURL string) error {
	f.mu.Lock()
	f.discovers++
	n := f.discovers
	err := f.fail
	f.mu.Unlock()

	if err != nil {
		f.o.DiscoveryFailed(err)
		return err
	}
	f.o.TargetChanged(domain.DebugTarget{ID: "page-" + strings.Repeat("x", n), Type: "page", URL: "https://example.com"})
	return nil
}

func (f *fakeLiveView) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
}

func (f *fakeLiveView) counts() (discovers, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.discovers, f.closes
}

type harness struct {
	o     *Orchestrator
	rt    *fakeRuntime
	tel   *recorder
	live  *fakeLiveView
	notes <-chan Notification
}

func newHarness(t *testing.T, cells ...string) *harness {
	t.Helper()
	tel := &recorder{}
	rt := &fakeRuntime{behave: script}
	live := &fakeLiveView{}

	o := New(Config{
		Telemetry:    tel,
		Restarter:    rt,
		LiveView:     live,
		DebugBaseURL: "http://127.0.0.1:9222",
	})
	rt.o = o
	live.o = o
	t.Cleanup(o.Close)

	notes, _ := o.Subscribe()

	// cells are "id=source"
	for _, c := range cells {
		id, source, _ := strings.Cut(c, "=")
		_, err := o.AddCell(id, source)
		require.NoError(t, err)
	}

	return &harness{o: o, rt: rt, tel: tel, live: live, notes: notes}
}

// drain returns the notifications emitted so far
func (h *harness) drain() []Notification {
	var out []Notification
	for {
		select {
		case n, ok := <-h.notes:
			if !ok {
				return out
			}
			out = append(out, n)
		default:
			return out
		}
	}
}

// stoppingCell is the cancelled cell still waiting for its cell_end
func (h *harness) stoppingCell() string {
	h.o.mu.Lock()
	defer h.o.mu.Unlock()
	return h.o.stopping
}

func (h *harness) waitRunning(t *testing.T, cellID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rc, ok := h.o.Running()
		return ok && rc.CellID == cellID
	}, 2*time.Second, 5*time.Millisecond)
}

type runResult struct {
	cell domain.Cell
	err  error
}

func (h *harness) runAsync(ctx context.Context, cellID string) <-chan runResult {
	out := make(chan runResult, 1)
	go func() {
		cell, err := h.o.Run(ctx, cellID)
		out <- runResult{cell, err}
	}()
	return out
}

type batchResult struct {
	batch *domain.BatchRun
	err   error
}

func (h *harness) runAllAsync(ctx context.Context) <-chan batchResult {
	out := make(chan batchResult, 1)
	go func() {
		b, err := h.o.RunAll(ctx)
		out <- batchResult{b, err}
	}()
	return out
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func targetFixture() domain.DebugTarget {
	return domain.DebugTarget{ID: "late", Type: "page", URL: "https://example.com/late"}
}
