package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/cellrun/internal/batch"
	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/orchestrator"
	"github.com/hochfrequenz/cellrun/internal/runstore"
	"github.com/hochfrequenz/cellrun/internal/runtime"
)

// ChunkResponse is one piece of cell output
type ChunkResponse struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// CellResponse is the API response for a cell
type CellResponse struct {
	ID     string          `json:"id"`
	Source string          `json:"source"`
	Status string          `json:"status"`
	Output []ChunkResponse `json:"output"`
}

// RunContextResponse describes the executing cell
type RunContextResponse struct {
	RunID     string `json:"run_id"`
	CellID    string `json:"cell_id"`
	BatchID   string `json:"batch_id,omitempty"`
	StartedAt string `json:"started_at"`
	Stuck     bool   `json:"stuck"`
}

// BatchResponse is the API response for a run-all batch
type BatchResponse struct {
	ID         string   `json:"id"`
	CellIDs    []string `json:"cell_ids"`
	Dispatched []string `json:"dispatched"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	Aborted    int      `json:"aborted"`
	Restarts   int      `json:"restarts"`
	StartedAt  string   `json:"started_at"`
	FinishedAt *string  `json:"finished_at,omitempty"`
}

// TargetResponse is the current live-view page
type TargetResponse struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	FrontendURL string `json:"frontend_url,omitempty"`
	DebuggerURL string `json:"debugger_url,omitempty"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Session     string              `json:"session"`
	Title       string              `json:"title"`
	Connected   bool                `json:"connected"`
	Cells       int                 `json:"cells"`
	Running     *RunContextResponse `json:"running,omitempty"`
	Batch       *BatchResponse      `json:"batch,omitempty"`
	Target      *TargetResponse     `json:"target,omitempty"`
	TotalRuns   int                 `json:"total_runs"`
	Completed   int                 `json:"completed"`
	Failed      int                 `json:"failed"`
	Aborted     int                 `json:"aborted"`
	AvgDuration string              `json:"avg_duration"`
}

// RunResponse is a persisted run outcome
type RunResponse struct {
	ID          string `json:"id"`
	CellID      string `json:"cell_id"`
	BatchID     string `json:"batch_id,omitempty"`
	Outcome     string `json:"outcome"`
	StartedAt   string `json:"started_at"`
	DurationMs  int64  `json:"duration_ms"`
	Lines       int    `json:"lines"`
	ActionCalls int    `json:"action_calls"`
}

// BatchOutcomeResponse is a persisted batch outcome
type BatchOutcomeResponse struct {
	ID         string   `json:"id"`
	CellIDs    []string `json:"cell_ids"`
	Outcome    string   `json:"outcome"`
	StartedAt  string   `json:"started_at"`
	DurationMs int64    `json:"duration_ms"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	Aborted    int      `json:"aborted"`
	Restarts   int      `json:"restarts"`
}

// ScheduleResponse describes a cron schedule
type ScheduleResponse struct {
	Name    string  `json:"name"`
	NextRun string  `json:"next_run"`
	LastRun *string `json:"last_run,omitempty"`
}

type cellRequest struct {
	ID     string `json:"id"`
	Source string `json:"source"`
}

type apiKeyRequest struct {
	Key string `json:"key"`
}

func cellToResponse(c domain.Cell) CellResponse {
	out := make([]ChunkResponse, len(c.Output))
	for i, chunk := range c.Output {
		out[i] = ChunkResponse{Stream: string(chunk.Stream), Text: chunk.Text}
	}
	return CellResponse{ID: c.ID, Source: c.Source, Status: string(c.Status), Output: out}
}

func batchToResponse(b domain.BatchRun) BatchResponse {
	resp := BatchResponse{
		ID:         b.RunID,
		CellIDs:    b.CellIDs,
		Dispatched: b.Dispatched,
		Succeeded:  b.Succeeded,
		Failed:     b.Failed,
		Aborted:    b.Aborted,
		Restarts:   b.Restarts,
		StartedAt:  b.StartedAt.Format(time.RFC3339),
	}
	if b.FinishedAt != nil {
		t := b.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	return resp
}

func targetToResponse(t domain.DebugTarget) TargetResponse {
	return TargetResponse{
		ID:          t.ID,
		Title:       t.Title,
		URL:         t.URL,
		FrontendURL: t.DevtoolsFrontendURL,
		DebuggerURL: t.WebSocketDebuggerURL,
	}
}

func runToResponse(o domain.RunOutcome) RunResponse {
	return RunResponse{
		ID:          o.RunID,
		CellID:      o.CellID,
		BatchID:     o.BatchID,
		Outcome:     string(o.Outcome),
		StartedAt:   o.StartedAt.Format(time.RFC3339),
		DurationMs:  o.DurationMs,
		Lines:       o.LineCount,
		ActionCalls: o.ActionCallCount,
	}
}

// errorStatus maps domain errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownCell), errors.Is(err, batch.ErrUnknownSchedule):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSingleFlight),
		errors.Is(err, orchestrator.ErrDuplicateCell),
		errors.Is(err, orchestrator.ErrInterrupted),
		errors.Is(err, batch.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNotConnected),
		errors.Is(err, runtime.ErrBackendUnavailable),
		errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrNoRestarter):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

// async reports whether the caller asked not to wait for completion
func async(r *http.Request) bool {
	return r.URL.Query().Get("wait") == "0"
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := s.sess.Status()
		resp := StatusResponse{
			Session:     st.ID,
			Title:       st.Title,
			Connected:   st.Connected,
			Cells:       len(s.sess.Orchestrator().Cells()),
			TotalRuns:   st.Metrics.TotalRuns,
			Completed:   st.Metrics.Completed,
			Failed:      st.Metrics.Failed,
			Aborted:     st.Metrics.Aborted,
			AvgDuration: st.Metrics.AvgDuration.Round(time.Millisecond).String(),
		}
		if st.Running != nil {
			resp.Running = &RunContextResponse{
				RunID:     st.Running.RunID,
				CellID:    st.Running.CellID,
				BatchID:   st.Running.BatchRunID,
				StartedAt: st.Running.StartedAt.Format(time.RFC3339),
				Stuck:     st.Stuck,
			}
		}
		if st.Batch != nil {
			b := batchToResponse(*st.Batch)
			resp.Batch = &b
		}
		if st.Target != nil {
			t := targetToResponse(*st.Target)
			resp.Target = &t
		}
		writeJSON(w, resp)
	}
}

func (s *Server) listCellsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cells := s.sess.Orchestrator().Cells()
		responses := make([]CellResponse, len(cells))
		for i, c := range cells {
			responses[i] = cellToResponse(c)
		}
		writeJSON(w, responses)
	}
}

func (s *Server) addCellHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cellRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		cell, err := s.sess.Orchestrator().AddCell(req.ID, req.Source)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, cellToResponse(cell))
	}
}

func (s *Server) updateCellHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "cellID")
		var req cellRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		orch := s.sess.Orchestrator()
		if err := orch.UpdateSource(id, req.Source); err != nil {
			writeErr(w, err)
			return
		}
		cell, _ := orch.Cell(id)
		writeJSON(w, cellToResponse(cell))
	}
}

func (s *Server) deleteCellHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.sess.Orchestrator().RemoveCell(chi.URLParam(r, "cellID")); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) runCellHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "cellID")
		orch := s.sess.Orchestrator()

		if async(r) {
			if _, ok := orch.Cell(id); !ok {
				writeError(w, http.StatusNotFound, "cell not found")
				return
			}
			go s.background("run cell", func(ctx context.Context) error {
				_, err := orch.Run(ctx, id)
				return err
			})
			writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "started"})
			return
		}

		cell, err := orch.Run(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, cellToResponse(cell))
	}
}

func (s *Server) runAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orch := s.sess.Orchestrator()

		if async(r) {
			go s.background("run all", func(ctx context.Context) error {
				_, err := orch.RunAll(ctx)
				return err
			})
			writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "started"})
			return
		}

		b, err := orch.RunAll(r.Context())
		if err != nil && b == nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, batchToResponse(*b))
	}
}

func (s *Server) restartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orch := s.sess.Orchestrator()
		force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
		runAll, _ := strconv.ParseBool(r.URL.Query().Get("runAll"))

		if runAll {
			go s.background("restart and run all", func(ctx context.Context) error {
				_, err := orch.RestartAndRunAll(ctx)
				return err
			})
			writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "restarting"})
			return
		}

		if err := orch.Restart(r.Context(), force); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "restarted"})
	}
}

func (s *Server) stopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stopped := s.sess.Orchestrator().Cancel()
		writeJSON(w, map[string]bool{"stopped": stopped})
	}
}

func (s *Server) apiKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req apiKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Key == "" {
			writeError(w, http.StatusBadRequest, "key required")
			return
		}
		if err := s.sess.SetAPIKey(req.Key); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) targetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, ok := s.sess.Orchestrator().Target()
		if !ok {
			writeError(w, http.StatusNotFound, "no live view")
			return
		}
		writeJSON(w, targetToResponse(t))
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := s.sess.Store()
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "run history disabled")
			return
		}

		q := r.URL.Query()
		opts := runstore.ListOptions{
			CellID:  q.Get("cell"),
			BatchID: q.Get("batch"),
			Outcome: domain.Outcome(q.Get("outcome")),
			Limit:   50,
		}
		if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
			opts.Limit = l
		}

		runs, err := store.ListRuns(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]RunResponse, len(runs))
		for i, o := range runs {
			resp[i] = runToResponse(o)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) listBatchesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		store := s.sess.Store()
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "run history disabled")
			return
		}

		limit := 20
		if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 {
			limit = l
		}
		batches, err := store.ListBatches(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]BatchOutcomeResponse, len(batches))
		for i, b := range batches {
			resp[i] = BatchOutcomeResponse{
				ID:         b.RunID,
				CellIDs:    b.CellIDs,
				Outcome:    string(b.Outcome),
				StartedAt:  b.StartedAt.Format(time.RFC3339),
				DurationMs: b.DurationMs,
				Succeeded:  b.Succeeded,
				Failed:     b.Failed,
				Aborted:    b.Aborted,
				Restarts:   b.Restarts,
			}
		}
		writeJSON(w, resp)
	}
}

func (s *Server) listSchedulesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sched := s.sess.Scheduler()
		names := sched.ListSchedules()
		resp := make([]ScheduleResponse, 0, len(names))
		for _, name := range names {
			sr := ScheduleResponse{Name: name, NextRun: sched.NextRun(name).Format(time.RFC3339)}
			if last := sched.LastRun(name); !last.IsZero() {
				t := last.Format(time.RFC3339)
				sr.LastRun = &t
			}
			resp = append(resp, sr)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) triggerScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		sched := s.sess.Scheduler()
		if !slices.Contains(sched.ListSchedules(), name) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		go s.background("scheduled run all", func(context.Context) error {
			_, err := sched.Trigger(name)
			return err
		})
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "started"})
	}
}

// background runs fn detached from the request; failures reach the user
// through the notification stream, so they are only logged here
func (s *Server) background(what string, fn func(ctx context.Context) error) {
	if err := fn(s.bg); err != nil {
		s.logger.Info(what+" ended with error", zap.Error(err))
	}
}
