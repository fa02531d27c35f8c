package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/cellrun/internal/batch"
	"github.com/hochfrequenz/cellrun/internal/config"
	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/notify"
	"github.com/hochfrequenz/cellrun/internal/orchestrator"
	"github.com/hochfrequenz/cellrun/internal/runtime"
	"github.com/hochfrequenz/cellrun/internal/runtimetest"
	"github.com/hochfrequenz/cellrun/internal/session"
)

const helperEnv = "CELLRUN_API_HELPER"

// TestHelperProcess is not a real test. It is the script runtime behind the
// sessions in this file.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM)
	go func() {
		<-sigs
		os.Exit(0)
	}()

	addr := "127.0.0.1:" + os.Getenv(runtime.PortEnv)
	if err := http.ListenAndServe(addr, runtimetest.NewServer()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

type testEnv struct {
	srv  *Server
	sess *session.Session
	http *httptest.Server
}

func newTestEnv(t *testing.T, notebook string, start bool) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Runtime.Command = []string{os.Args[0], "-test.run=^TestHelperProcess$"}
	cfg.Runtime.Env = map[string]string{helperEnv: "1"}
	cfg.Runtime.HealthAttempts = 20
	cfg.Runtime.HealthInitialBackoff = 20
	cfg.Runtime.HealthMaxBackoff = 200
	cfg.Runtime.StopTimeoutSecs = 2
	cfg.Store.DatabasePath = filepath.Join(dir, "runs.db")
	cfg.Schedules = []config.ScheduleConfig{{Name: "nightly", Cron: "0 22 * * *"}}

	path := filepath.Join(dir, "flow.py")
	require.NoError(t, os.WriteFile(path, []byte(notebook), 0o644))

	sess, err := session.New(session.Options{Config: cfg, NotebookPath: path, Notifier: notify.Discard{}})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sess.Close(ctx)
	})

	if start {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, sess.Start(ctx))
	}

	srv := NewServer(sess, "127.0.0.1:0", nil)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	t.Cleanup(srv.cancel)

	return &testEnv{srv: srv, sess: sess, http: hs}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.http.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestListCellsHandler(t *testing.T) {
	env := newTestEnv(t, "# %% a\nprint one\n# %% b\nprint two\n", false)

	resp := env.do(t, http.MethodGet, "/api/cells", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cells := decode[[]CellResponse](t, resp)
	require.Len(t, cells, 2)
	assert.Equal(t, "a", cells[0].ID)
	assert.Equal(t, "idle", cells[0].Status)
}

func TestCellCRUD(t *testing.T) {
	env := newTestEnv(t, "# %% a\nprint one\n", false)

	resp := env.do(t, http.MethodPost, "/api/cells", cellRequest{ID: "b", Source: "print b"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/cells", cellRequest{ID: "b", Source: "again"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/cells", cellRequest{Source: "anonymous"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, decode[CellResponse](t, resp).ID)

	resp = env.do(t, http.MethodPut, "/api/cells/b", cellRequest{Source: "print changed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "print changed", decode[CellResponse](t, resp).Source)

	resp = env.do(t, http.MethodPut, "/api/cells/missing", cellRequest{Source: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/cells/b", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Len(t, env.sess.Orchestrator().Cells(), 2)

	resp = env.do(t, http.MethodPost, "/api/cells", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRunCell_NotConnected(t *testing.T) {
	env := newTestEnv(t, "# %% a\nprint one\n", false)

	resp := env.do(t, http.MethodPost, "/api/cells/a/run", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRunCellAndHistory(t *testing.T) {
	env := newTestEnv(t, "# %% a\nprint one\n# %% b\nwarn two\n", true)

	resp := env.do(t, http.MethodPost, "/api/cells/a/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cell := decode[CellResponse](t, resp)
	assert.Equal(t, "success", cell.Status)
	require.Len(t, cell.Output, 1)
	assert.Equal(t, ChunkResponse{Stream: "stdout", Text: "one\n"}, cell.Output[0])

	resp = env.do(t, http.MethodPost, "/api/run-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b := decode[BatchResponse](t, resp)
	assert.Equal(t, 2, b.Succeeded)
	assert.NotNil(t, b.FinishedAt)

	resp = env.do(t, http.MethodGet, "/api/runs?limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]RunResponse](t, resp), 3)

	resp = env.do(t, http.MethodGet, "/api/runs?batch="+b.ID, nil)
	assert.Len(t, decode[[]RunResponse](t, resp), 2)

	resp = env.do(t, http.MethodGet, "/api/batches", nil)
	batches := decode[[]BatchOutcomeResponse](t, resp)
	require.Len(t, batches, 1)
	assert.Equal(t, "completed", batches[0].Outcome)

	resp = env.do(t, http.MethodGet, "/api/status", nil)
	st := decode[StatusResponse](t, resp)
	assert.True(t, st.Connected)
	assert.Equal(t, 3, st.Completed)
	assert.Nil(t, st.Running)

	resp = env.do(t, http.MethodGet, "/metrics", nil)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `cellrun_cell_runs_total{batch="true",outcome="completed"} 2`)
}

func TestRestartHandler(t *testing.T) {
	env := newTestEnv(t, "# %% a\nprint one\n", true)

	resp := env.do(t, http.MethodPost, "/api/restart?force=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/cells/a/run", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStopTargetAndAPIKey(t *testing.T) {
	env := newTestEnv(t, "# %% a\nprint one\n", false)

	resp := env.do(t, http.MethodPost, "/api/stop", nil)
	assert.Equal(t, map[string]bool{"stopped": false}, decode[map[string]bool](t, resp))

	resp = env.do(t, http.MethodGet, "/api/target", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/api-key", apiKeyRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/api-key", apiKeyRequest{Key: "secret"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestSchedules(t *testing.T) {
	env := newTestEnv(t, "# %% a\nprint one\n", false)

	resp := env.do(t, http.MethodGet, "/api/schedules", nil)
	scheds := decode[[]ScheduleResponse](t, resp)
	require.Len(t, scheds, 1)
	assert.Equal(t, "nightly", scheds[0].Name)
	assert.Nil(t, scheds[0].LastRun)

	resp = env.do(t, http.MethodPost, "/api/schedules/weekly/trigger", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsStream(t *testing.T) {
	env := newTestEnv(t, "# %% a\nprint one\n", true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.srv.runBackground(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.http.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go env.sess.Orchestrator().Run(ctx, "a")

	events := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
				events <- name
			}
		}
	}()

	var seen []string
	deadline := time.After(5 * time.Second)
	for len(seen) < 3 {
		select {
		case name := <-events:
			seen = append(seen, name)
		case <-deadline:
			t.Fatalf("events so far: %v", seen)
		}
	}
	assert.Equal(t, []string{"cell_status", "cell_output", "cell_status"}, seen)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{orchestrator.ErrUnknownCell, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", orchestrator.ErrSingleFlight), http.StatusConflict},
		{orchestrator.ErrDuplicateCell, http.StatusConflict},
		{orchestrator.ErrNotConnected, http.StatusServiceUnavailable},
		{runtime.ErrBackendUnavailable, http.StatusServiceUnavailable},
		{orchestrator.ErrNoRestarter, http.StatusNotImplemented},
		{batch.ErrAlreadyRunning, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}

func TestNotificationToEvent(t *testing.T) {
	target := domain.DebugTarget{ID: "t1", Type: "page", URL: "https://example.com"}

	ev := notificationToEvent(orchestrator.LiveViewChanged{Target: &target})
	assert.Equal(t, "live_view", ev.Type)
	assert.Equal(t, "https://example.com", ev.Data.(liveViewEvent).Target.URL)

	ev = notificationToEvent(orchestrator.LiveViewChanged{Err: errors.New("gone")})
	assert.Nil(t, ev.Data.(liveViewEvent).Target)
	assert.Equal(t, "gone", ev.Data.(liveViewEvent).Error)

	ev = notificationToEvent(orchestrator.Notice{Level: orchestrator.NoticeWarning, Message: "busy"})
	assert.Equal(t, noticeEvent{Level: "warning", Message: "busy"}, ev.Data)

	ev = notificationToEvent(orchestrator.CellOutput{CellID: "a", Chunk: domain.OutputChunk{Stream: domain.StreamStderr, Text: "x"}})
	assert.Equal(t, cellOutputEvent{CellID: "a", Stream: "stderr", Text: "x"}, ev.Data)
}
