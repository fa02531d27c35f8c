// Package api serves a session over HTTP: cell management, runs, live view
// and a server-sent event stream of orchestrator notifications.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hochfrequenz/cellrun/internal/logging"
	"github.com/hochfrequenz/cellrun/internal/orchestrator"
	"github.com/hochfrequenz/cellrun/internal/session"
)

// Server is the HTTP API server
type Server struct {
	sess   *session.Session
	addr   string
	router chi.Router
	sseHub *SSEHub
	logger *zap.Logger

	// bg outlives requests; background runs use it
	bg     context.Context
	cancel context.CancelFunc
}

// NewServer creates a new API server for one session
func NewServer(sess *session.Session, addr string, logger *zap.Logger) *Server {
	bg, cancel := context.WithCancel(context.Background())
	s := &Server{
		sess:   sess,
		addr:   addr,
		router: chi.NewRouter(),
		sseHub: NewSSEHub(),
		logger: logging.OrNop(logger),
		bg:     bg,
		cancel: cancel,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.statusHandler())

		r.Get("/cells", s.listCellsHandler())
		r.Post("/cells", s.addCellHandler())
		r.Put("/cells/{cellID}", s.updateCellHandler())
		r.Delete("/cells/{cellID}", s.deleteCellHandler())
		r.Post("/cells/{cellID}/run", s.runCellHandler())

		r.Post("/run-all", s.runAllHandler())
		r.Post("/restart", s.restartHandler())
		r.Post("/stop", s.stopHandler())
		r.Put("/api-key", s.apiKeyHandler())

		r.Get("/target", s.targetHandler())
		r.Get("/runs", s.listRunsHandler())
		r.Get("/batches", s.listBatchesHandler())
		r.Get("/schedules", s.listSchedulesHandler())
		r.Post("/schedules/{name}/trigger", s.triggerScheduleHandler())

		r.Get("/events", s.sseHandler())
	})

	s.router.Handle("/metrics", promhttp.HandlerFor(s.sess.Gatherer(), promhttp.HandlerOpts{}))
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.runBackground(ctx)

	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
	}

	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) runBackground(ctx context.Context) {
	notes, unsubscribe := s.sess.Orchestrator().Subscribe()
	go s.sseHub.Run(ctx)
	go s.forwardNotifications(ctx, notes, unsubscribe)
}

// forwardNotifications turns orchestrator notifications into SSE events
func (s *Server) forwardNotifications(ctx context.Context, notes <-chan orchestrator.Notification, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			select {
			case s.sseHub.broadcast <- notificationToEvent(n):
			case <-ctx.Done():
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
