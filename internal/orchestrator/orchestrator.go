// Package orchestrator owns cell state and sequences single-cell and
// run-all executions against the runtime channel.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/cellrun/internal/channel"
	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/logging"
	"github.com/hochfrequenz/cellrun/internal/telemetry"
)

var (
	// ErrSingleFlight rejects a run while another cell or batch is executing
	ErrSingleFlight = errors.New("another run is in progress")
	// ErrUnknownCell is returned for ids that are not in the session
	ErrUnknownCell = errors.New("unknown cell")
	// ErrDuplicateCell is returned when adding a cell whose id exists
	ErrDuplicateCell = errors.New("duplicate cell id")
	// ErrNotConnected means no runtime connection is ready
	ErrNotConnected = errors.New("runtime not connected")
	// ErrInterrupted is returned when a restart invalidated the run
	ErrInterrupted = errors.New("run interrupted by runtime restart")
	// ErrNoRestarter is returned by restart operations when nothing can restart the runtime
	ErrNoRestarter = errors.New("no runtime restarter configured")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("orchestrator closed")
)

// Executor is the runtime channel as seen by the orchestrator
type Executor interface {
	ID() uint64
	Submit(cellID, source string) error
	Stop() error
	Events() <-chan channel.Event
}

// Restarter restarts the runtime process
type Restarter interface {
	Restart(ctx context.Context, force bool) error
}

// LiveView is the debug bridge as seen by the orchestrator
type LiveView interface {
	Discover(ctx context.Context, baseURL string) error
	Close()
}

// Config for an Orchestrator
type Config struct {
	Logger    *zap.Logger
	Telemetry telemetry.Collector
	Restarter Restarter
	LiveView  LiveView
	// DebugBaseURL is the remote-debugging endpoint of the automation browser
	DebugBaseURL     string
	SubscriberBuffer int
	Now              func() time.Time
	NewID            func() string
}

type resolution int

const (
	resolvedCompleted resolution = iota
	resolvedFailed
	resolvedAborted
	resolvedDisconnected
	resolvedInterrupted
)

type liveState int

const (
	liveOff liveState = iota
	liveDiscovering
	liveOn
)

// activeRun is the run context of the executing cell plus its completion signal
type activeRun struct {
	rc       domain.RunContext
	done     chan resolution
	resolved bool
}

// effects are side effects collected under the lock and applied after it
type effects struct {
	runs      []domain.RunOutcome
	closeLive bool
	stop      Executor
}

// Orchestrator is the single owner of cells, the running cell and the
// current batch
type Orchestrator struct {
	cfg       Config
	logger    *zap.Logger
	telemetry telemetry.Collector

	mu        sync.Mutex
	cells     []*domain.Cell
	index     map[string]*domain.Cell
	exec      Executor
	connID    uint64
	ready     chan struct{} // closed while exec is set
	failed    chan struct{} // closed once connErr is set
	connErr   error         // why no connection is coming
	run       *activeRun
	batch     *domain.BatchRun
	restarted bool   // the active batch must start over
	stopping  string // cancelled cell whose cell_end the connection still owes
	live      liveState
	target    *domain.DebugTarget
	subs      map[int]chan Notification
	nextSub   int
	closed    bool

	baseCtx context.Context
	cancel  context.CancelFunc
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New creates an orchestrator with no cells and no connection
func New(cfg Config) *Orchestrator {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return uuid.NewString() }
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		cfg:       cfg,
		logger:    logging.OrNop(cfg.Logger),
		telemetry: tel,
		index:     make(map[string]*domain.Cell),
		ready:     make(chan struct{}),
		failed:    make(chan struct{}),
		subs:      make(map[int]chan Notification),
		baseCtx:   ctx,
		cancel:    cancel,
		quit:      make(chan struct{}),
	}
}

// Close stops event processing, wakes blocked callers and closes all
// subscriptions
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.quit)
	o.cancel()
	for id, ch := range o.subs {
		close(ch)
		delete(o.subs, id)
	}
	o.mu.Unlock()

	o.wg.Wait()
}

// Subscribe returns a stream of notifications and a function that ends it.
// A subscriber that falls behind loses notifications rather than blocking
// the orchestrator.
func (o *Orchestrator) Subscribe() (<-chan Notification, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan Notification, o.cfg.SubscriberBuffer)
	if o.closed {
		close(ch)
		return ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if sub, ok := o.subs[id]; ok {
				close(sub)
				delete(o.subs, id)
			}
		})
	}
}

func (o *Orchestrator) emitLocked(n Notification) {
	for id, ch := range o.subs {
		select {
		case ch <- n:
		default:
			o.logger.Warn("subscriber is behind, dropping notification",
				zap.Int("subscriber", id), zap.String("kind", Kind(n)))
		}
	}
}

func (o *Orchestrator) noticeLocked(level NoticeLevel, format string, args ...any) {
	o.emitLocked(Notice{Level: level, Message: fmt.Sprintf(format, args...)})
}

// Notify posts a user notice from outside the orchestrator, such as a runtime
// that failed to start
func (o *Orchestrator) Notify(level NoticeLevel, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.emitLocked(Notice{Level: level, Message: message})
}

func (o *Orchestrator) apply(fx effects) {
	for _, out := range fx.runs {
		o.telemetry.RecordRun(out)
	}
	if fx.stop != nil {
		if err := fx.stop.Stop(); err != nil {
			o.logger.Warn("sending stop", zap.Error(err))
		}
	}
	if fx.closeLive && o.cfg.LiveView != nil {
		o.cfg.LiveView.Close()
	}
}

// ConnectionReady attaches a fresh runtime connection and starts consuming
// its events
func (o *Orchestrator) ConnectionReady(exec Executor) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}

	if o.exec == nil {
		close(o.ready)
	}
	o.exec = exec
	o.connID = exec.ID()
	o.stopping = ""
	o.clearFailureLocked()
	o.logger.Debug("connection ready", zap.Uint64("conn", o.connID))

	o.wg.Add(1)
	go o.pump(exec)
}

// Invalidate drops the current connection ahead of a restart. A running
// cell goes back to idle and an awaiting batch is told to start over.
func (o *Orchestrator) Invalidate() {
	o.mu.Lock()
	fx := o.invalidateLocked()
	o.mu.Unlock()

	o.apply(fx)
}

func (o *Orchestrator) invalidateLocked() effects {
	var fx effects
	o.detachLocked()
	o.clearFailureLocked()
	if o.batch != nil {
		o.restarted = true
	}
	if ar := o.run; ar != nil {
		if out, ok := o.finishLocked(ar, domain.CellIdle, "", domain.OutcomeAborted, resolvedInterrupted); ok {
			fx.runs = append(fx.runs, out)
		}
	}
	o.emitLocked(RestartRequested{})
	fx.closeLive = o.dropLiveViewLocked()
	return fx
}

func (o *Orchestrator) detachLocked() {
	if o.exec != nil {
		o.ready = make(chan struct{})
	}
	o.exec = nil
	o.stopping = ""
}

// ConnectionFailed reports that the runtime could not be started. Callers
// waiting for a connection give up with err instead of waiting forever.
func (o *Orchestrator) ConnectionFailed(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed || o.exec != nil {
		return
	}
	o.failLocked(err)
}

func (o *Orchestrator) failLocked(err error) {
	if o.connErr != nil {
		return
	}
	o.connErr = err
	close(o.failed)
}

func (o *Orchestrator) clearFailureLocked() {
	if o.connErr != nil {
		o.connErr = nil
		o.failed = make(chan struct{})
	}
}

func (o *Orchestrator) pump(exec Executor) {
	defer o.wg.Done()
	events := exec.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.handle(ev)
		case <-o.quit:
			return
		}
	}
}

// waitReady blocks until a connection is attached. It fails once the
// runtime is known not to come back.
func (o *Orchestrator) waitReady(ctx context.Context) error {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return ErrClosed
		}
		if o.exec != nil {
			o.mu.Unlock()
			return nil
		}
		if err := o.connErr; err != nil {
			o.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		ready, failed := o.ready, o.failed
		o.mu.Unlock()

		select {
		case <-ready:
			return nil
		case <-failed:
		case <-ctx.Done():
			return ctx.Err()
		case <-o.quit:
			return ErrClosed
		}
	}
}

// Connected reports whether a runtime connection is attached
func (o *Orchestrator) Connected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.exec != nil
}

// Running returns the run context of the executing cell
func (o *Orchestrator) Running() (domain.RunContext, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil {
		return domain.RunContext{}, false
	}
	return o.run.rc, true
}

// Batch returns a snapshot of the active batch run
func (o *Orchestrator) Batch() (domain.BatchRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.batch == nil {
		return domain.BatchRun{}, false
	}
	return snapshotBatch(o.batch), true
}

// Target returns the current live-view target
func (o *Orchestrator) Target() (domain.DebugTarget, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.target == nil {
		return domain.DebugTarget{}, false
	}
	return *o.target, true
}

func snapshotBatch(b *domain.BatchRun) domain.BatchRun {
	out := *b
	out.CellIDs = append([]string(nil), b.CellIDs...)
	out.Dispatched = append([]string(nil), b.Dispatched...)
	if b.FinishedAt != nil {
		t := *b.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
