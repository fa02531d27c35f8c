// Package batch runs the session notebook on cron schedules.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/orchestrator"
)

var (
	ErrUnknownSchedule = errors.New("unknown schedule")
	ErrAlreadyRunning  = errors.New("schedule already running")
)

// Runner starts a run-all over the session's cells
type Runner interface {
	RunAll(ctx context.Context) (*domain.BatchRun, error)
}

// Scheduler fires run-all batches on cron schedules. A tick that arrives while
// a batch is active (scheduled or user-started) is skipped.
type Scheduler struct {
	schedules map[string]Schedule
	parser    cron.Parser
	cron      *cron.Cron
	runner    Runner
	logger    *zap.Logger
	lastRun   map[string]time.Time
	running   map[string]bool
	mu        sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler creates a new batch scheduler
func NewScheduler(schedules []Schedule, runner Runner, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		schedules: make(map[string]Schedule),
		parser:    cronParser,
		cron:      cron.New(cron.WithParser(cronParser)),
		runner:    runner,
		logger:    logger,
		lastRun:   make(map[string]time.Time),
		running:   make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, sched := range schedules {
		if err := sched.Validate(); err != nil {
			cancel()
			return nil, err
		}
		s.schedules[sched.Name] = sched
	}

	return s, nil
}

// ParseCron parses a cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// NextRun returns the next scheduled run time for a schedule
func (s *Scheduler) NextRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc, ok := s.schedules[name]
	if !ok {
		return time.Time{}
	}

	sched, err := s.parser.Parse(sc.Cron)
	if err != nil {
		return time.Time{}
	}

	return sched.Next(time.Now())
}

// LastRun returns when a schedule last finished, zero if never
func (s *Scheduler) LastRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun[name]
}

// ListSchedules returns all schedule names, sorted
func (s *Scheduler) ListSchedules() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.schedules))
	for name := range s.schedules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start registers every schedule with the cron runner
func (s *Scheduler) Start() error {
	for _, name := range s.ListSchedules() {
		sched, err := s.parser.Parse(s.schedules[name].Cron)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		s.cron.Schedule(sched, cron.FuncJob(func() {
			if _, err := s.Trigger(name); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				s.logger.Warn("scheduled run-all failed", zap.String("schedule", name), zap.Error(err))
			}
		}))
		s.logger.Info("schedule registered", zap.String("schedule", name), zap.Time("next", s.NextRun(name)))
	}
	s.cron.Start()
	return nil
}

// Trigger runs the named schedule now and blocks until its batch ends
func (s *Scheduler) Trigger(name string) (*domain.BatchRun, error) {
	s.mu.Lock()
	if _, ok := s.schedules[name]; !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	if s.running[name] {
		s.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	s.running[name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[name] = false
		s.lastRun[name] = time.Now()
		s.mu.Unlock()
	}()

	s.logger.Info("scheduled run-all starting", zap.String("schedule", name))
	b, err := s.runner.RunAll(s.ctx)
	if errors.Is(err, orchestrator.ErrSingleFlight) {
		s.logger.Info("batch already active, skipping tick", zap.String("schedule", name))
		return nil, ErrAlreadyRunning
	}
	if b != nil {
		s.logger.Info("scheduled run-all finished",
			zap.String("schedule", name),
			zap.String("batch_id", b.RunID),
			zap.Int("succeeded", b.Succeeded),
			zap.Int("failed", b.Failed),
			zap.Int("aborted", b.Aborted))
	}
	return b, err
}

// Stop cancels active batches and waits for running jobs to return
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
