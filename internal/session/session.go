// Package session wires one notebook's runtime, orchestrator, live view and
// history into a unit the CLI, TUI and HTTP API drive.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/hochfrequenz/cellrun/internal/batch"
	"github.com/hochfrequenz/cellrun/internal/channel"
	"github.com/hochfrequenz/cellrun/internal/config"
	"github.com/hochfrequenz/cellrun/internal/debugbridge"
	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/logging"
	"github.com/hochfrequenz/cellrun/internal/notebook"
	"github.com/hochfrequenz/cellrun/internal/notify"
	"github.com/hochfrequenz/cellrun/internal/orchestrator"
	"github.com/hochfrequenz/cellrun/internal/runstore"
	"github.com/hochfrequenz/cellrun/internal/runtime"
	"github.com/hochfrequenz/cellrun/internal/telemetry"
)

// stuckAfter flags a single cell that has been running this long
const stuckAfter = 15 * time.Minute

// Options for New
type Options struct {
	Config *config.Config
	Logger *zap.Logger
	// NotebookPath is loaded into the session when set
	NotebookPath string
	// Watch reloads idle cell sources when the notebook file changes
	Watch bool
	// Notifier overrides the notifiers built from the config
	Notifier notify.Notifier
	// DisableStore skips run history even when a database path is configured
	DisableStore bool
}

// Session is one runtime process with its cells, live view and history
type Session struct {
	ID        string
	CreatedAt time.Time

	cfg    *config.Config
	logger *zap.Logger

	manager  *runtime.Manager
	orch     *orchestrator.Orchestrator
	bridge   *debugbridge.Bridge
	store    *runstore.Store
	observer *telemetry.Observer
	metrics  *prometheus.Registry
	sched    *batch.Scheduler
	notifier notify.Notifier

	nb      *notebook.Notebook
	watcher *notebook.Watcher

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New builds a session without spawning the runtime; call Start for that
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		cfg:       cfg,
		observer:  telemetry.NewObserver(stuckAfter),
		metrics:   prometheus.NewRegistry(),
	}
	s.logger = logging.OrNop(opts.Logger).With(zap.String("session", s.ID[:8]))

	if opts.NotebookPath != "" {
		nb, err := notebook.Load(opts.NotebookPath)
		if err != nil {
			return nil, err
		}
		s.nb = nb
	}

	s.metrics.MustRegister(collectors.NewGoCollector())
	prom, err := telemetry.NewPrometheus(s.metrics)
	if err != nil {
		return nil, err
	}
	sinks := telemetry.Multi{s.observer, prom}

	if !opts.DisableStore && cfg.Store.DatabasePath != "" {
		store, err := runstore.New(cfg.Store.DatabasePath, s.logger.Named("runstore"))
		if err != nil {
			return nil, fmt.Errorf("opening run history: %w", err)
		}
		s.store = store
		sinks = append(sinks, store)
	}

	s.bridge = debugbridge.New(debugbridge.Config{
		Logger:           s.logger.Named("debugbridge"),
		HandshakeTimeout: time.Duration(cfg.Debug.HandshakeTimeout) * time.Second,
	})

	s.manager, err = runtime.NewManager(runtime.FromConfig(cfg.Runtime, s.logger.Named("runtime")), runtime.Hooks{})
	if err != nil {
		s.closeStore()
		return nil, err
	}

	s.orch = orchestrator.New(orchestrator.Config{
		Logger:       s.logger.Named("orchestrator"),
		Telemetry:    sinks,
		Restarter:    s.manager,
		LiveView:     s.bridge,
		DebugBaseURL: s.debugBaseURL(),
	})
	s.bridge.SetSink(s.orch)
	s.manager.SetHooks(runtime.Hooks{
		OnRestarting: s.orch.Invalidate,
		OnReady:      func(ch *channel.Channel) { s.orch.ConnectionReady(ch) },
		OnFailed:     s.orch.ConnectionFailed,
	})

	if s.nb != nil {
		if err := s.orch.LoadCells(s.nb.Cells); err != nil {
			s.orch.Close()
			s.closeStore()
			return nil, err
		}
		if opts.Watch {
			s.watcher, err = notebook.NewWatcher(s.nb.Path, s.reload, s.logger.Named("watcher"))
			if err != nil {
				s.orch.Close()
				s.closeStore()
				return nil, fmt.Errorf("watching notebook: %w", err)
			}
		}
	}

	schedules, err := batch.FromConfig(cfg.Schedules)
	if err == nil {
		s.sched, err = batch.NewScheduler(schedules, s.orch, s.logger.Named("batch"))
	}
	if err != nil {
		s.orch.Close()
		s.closeStore()
		return nil, err
	}

	s.notifier = opts.Notifier
	if s.notifier == nil {
		s.notifier = notifierFromConfig(cfg.Notifications)
	}

	return s, nil
}

func notifierFromConfig(nc config.NotificationsConfig) notify.Notifier {
	var ns notify.Multi
	if nc.Desktop {
		ns = append(ns, notify.NewDesktop())
	}
	if nc.SlackWebhook != "" {
		ns = append(ns, notify.NewSlack(nc.SlackWebhook))
	}
	if len(ns) == 0 {
		return notify.Discard{}
	}
	return ns
}

func (s *Session) debugBaseURL() string {
	if s.nb != nil && s.nb.DebugURL != "" {
		return s.nb.DebugURL
	}
	return s.cfg.Debug.BaseURL
}

// Start spawns the runtime and begins watching, scheduling and notifying.
// A runtime that never becomes healthy fails with runtime.ErrBackendUnavailable
// and is reported to the user; it is not retried.
func (s *Session) Start(ctx context.Context) error {
	bg, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	notes, unsubscribe := s.orch.Subscribe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		notify.Relay(bg, notes, s.notifier, s.logger)
	}()

	if s.watcher != nil {
		s.watcher.Start(bg)
	}
	if err := s.sched.Start(); err != nil {
		return err
	}

	s.logger.Info("starting runtime", zap.Strings("command", s.cfg.Runtime.Command))
	if err := s.manager.Start(ctx); err != nil {
		s.orch.Notify(orchestrator.NoticeError, fmt.Sprintf("Script runtime failed to start: %v", err))
		if errors.Is(err, runtime.ErrBackendUnavailable) {
			if nerr := s.notifier.Send(ctx, notify.Notification{
				Title:    "cellrun runtime unavailable",
				Message:  err.Error(),
				Severity: notify.SeverityError,
			}); nerr != nil {
				s.logger.Warn("sending notification", zap.Error(nerr))
			}
		}
		return err
	}
	return nil
}

// Close stops everything the session started and waits for it to wind down
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		s.sched.Stop()
		if s.watcher != nil {
			s.watcher.Stop()
		}
		s.orch.Close()
		s.bridge.Close()
		err = s.manager.Stop(ctx)
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		s.closeStore()
		s.logger.Info("session closed")
	})
	return err
}

func (s *Session) closeStore() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing run history", zap.Error(err))
	}
}

func (s *Session) reload(nb *notebook.Notebook) {
	updated, added := s.orch.ReloadSources(nb.Cells)
	s.logger.Info("notebook reloaded",
		zap.String("path", nb.Path),
		zap.Int("updated", updated),
		zap.Int("added", added))
}

// SetAPIKey hands the runtime a new API key, live when connected
func (s *Session) SetAPIKey(key string) error {
	return s.manager.SetAPIKey(key)
}

// Orchestrator returns the session's cell orchestrator
func (s *Session) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// Bridge returns the debug target bridge
func (s *Session) Bridge() *debugbridge.Bridge { return s.bridge }

// Store returns the run history, nil when disabled
func (s *Session) Store() *runstore.Store { return s.store }

// Observer returns the in-memory run metrics
func (s *Session) Observer() *telemetry.Observer { return s.observer }

// Gatherer exposes the session's Prometheus metrics
func (s *Session) Gatherer() prometheus.Gatherer { return s.metrics }

// Scheduler returns the cron run-all scheduler
func (s *Session) Scheduler() *batch.Scheduler { return s.sched }

// Title is the notebook title, or its path when untitled
func (s *Session) Title() string {
	switch {
	case s.nb == nil:
		return "untitled"
	case s.nb.Title != "":
		return s.nb.Title
	default:
		return s.nb.Path
	}
}

// Status is a point-in-time view of the session
type Status struct {
	ID        string
	Title     string
	Connected bool
	Running   *domain.RunContext
	Stuck     bool
	Batch     *domain.BatchRun
	Target    *domain.DebugTarget
	Metrics   telemetry.Metrics
}

// Status snapshots the session
func (s *Session) Status() Status {
	st := Status{
		ID:        s.ID,
		Title:     s.Title(),
		Connected: s.orch.Connected(),
		Metrics:   s.observer.GetMetrics(),
	}
	if rc, ok := s.orch.Running(); ok {
		st.Running = &rc
		st.Stuck = s.observer.IsStuck(rc)
	}
	if b, ok := s.orch.Batch(); ok {
		st.Batch = &b
	}
	if t, ok := s.orch.Target(); ok {
		st.Target = &t
	}
	return st
}
