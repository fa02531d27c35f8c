package orchestrator

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/hochfrequenz/cellrun/internal/domain"
)

// RunAll runs every cell in display order, stopping at the first cell that
// does not succeed. A runtime restart during the batch starts it over from
// the first cell once the new connection is ready.
func (o *Orchestrator) RunAll(ctx context.Context) (*domain.BatchRun, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if o.run != nil || o.batch != nil {
		o.noticeLocked(NoticeWarning, "another run is in progress")
		o.mu.Unlock()
		return nil, ErrSingleFlight
	}
	if o.stopping != "" {
		o.noticeLocked(NoticeWarning, "cell %s is still stopping; restart the runtime if it does not respond", o.stopping)
		o.mu.Unlock()
		return nil, ErrSingleFlight
	}
	b := &domain.BatchRun{
		RunID:     o.cfg.NewID(),
		CellIDs:   o.orderLocked(),
		StartedAt: o.cfg.Now(),
	}
	o.batch = b
	o.restarted = false
	o.mu.Unlock()

	o.logger.Info("batch started", zap.String("batch", b.RunID), zap.Int("cells", len(b.CellIDs)))
	err := o.runBatch(ctx, b)

	o.mu.Lock()
	finished := o.cfg.Now()
	b.FinishedAt = &finished
	o.batch = nil
	o.restarted = false
	snapshot := snapshotBatch(b)
	outcome := batchOutcome(snapshot, err)
	o.emitLocked(BatchFinished{Batch: snapshot, Outcome: outcome})
	o.mu.Unlock()

	o.telemetry.RecordBatch(outcome)
	o.logger.Info("batch finished",
		zap.String("batch", b.RunID),
		zap.String("outcome", string(outcome.Outcome)),
		zap.Int("succeeded", snapshot.Succeeded),
		zap.Int("failed", snapshot.Failed),
		zap.Int("aborted", snapshot.Aborted),
		zap.Int("restarts", snapshot.Restarts))
	return &snapshot, err
}

// errBatchRestarted tells runBatch that the runtime restarted since its
// last dispatch
var errBatchRestarted = errors.New("batch restarted")

func (o *Orchestrator) runBatch(ctx context.Context, b *domain.BatchRun) error {
	for i := 0; i < len(b.CellIDs); {
		id := b.CellIDs[i]
		if err := o.waitReady(ctx); err != nil {
			return err
		}

		ar, exec, err := o.begin(id, b.RunID)
		switch {
		case errors.Is(err, errBatchRestarted):
			o.mu.Lock()
			o.restarted = false
			b.Reset()
			b.Restarts++
			o.mu.Unlock()
			o.logger.Info("runtime restarted, starting batch over", zap.String("batch", b.RunID))
			i = 0
			continue
		case errors.Is(err, ErrUnknownCell):
			// removed after the batch started
			i++
			continue
		case errors.Is(err, ErrNotConnected):
			continue
		case err != nil:
			return err
		}

		o.mu.Lock()
		b.Dispatched = append(b.Dispatched, id)
		o.mu.Unlock()

		res, err := o.execute(ctx, ar, exec)

		o.mu.Lock()
		switch res {
		case resolvedCompleted:
			b.Succeeded++
		case resolvedFailed:
			b.Failed++
		case resolvedAborted, resolvedDisconnected:
			b.Aborted++
		}
		o.mu.Unlock()

		if err != nil {
			return err
		}
		switch res {
		case resolvedCompleted:
			i++
		case resolvedFailed, resolvedAborted, resolvedDisconnected:
			return nil
		}
		// resolvedInterrupted: the next begin starts the batch over
	}
	return nil
}

func batchOutcome(b domain.BatchRun, err error) domain.BatchOutcome {
	out := domain.BatchOutcome{
		RunID:     b.RunID,
		CellIDs:   b.CellIDs,
		StartedAt: b.StartedAt,
		Succeeded: b.Succeeded,
		Failed:    b.Failed,
		Aborted:   b.Aborted,
		Restarts:  b.Restarts,
	}
	if b.FinishedAt != nil {
		out.DurationMs = b.FinishedAt.Sub(b.StartedAt).Milliseconds()
	}

	switch {
	case b.Failed > 0:
		out.Outcome = domain.OutcomeFailed
	case b.Aborted > 0 || err != nil:
		out.Outcome = domain.OutcomeAborted
	default:
		out.Outcome = domain.OutcomeCompleted
	}
	return out
}

// Restart asks the runtime to restart. Connection changes reach the
// orchestrator through Invalidate and ConnectionReady.
func (o *Orchestrator) Restart(ctx context.Context, force bool) error {
	if o.cfg.Restarter == nil {
		return ErrNoRestarter
	}
	if err := o.cfg.Restarter.Restart(ctx, force); err != nil {
		o.mu.Lock()
		o.noticeLocked(NoticeError, "runtime restart failed: %v", err)
		if o.exec == nil {
			o.failLocked(err)
		}
		o.mu.Unlock()
		return err
	}
	return nil
}

// RestartAndRunAll restarts the runtime and then runs every cell. When a
// batch is already active it only restarts; that batch starts over by itself.
func (o *Orchestrator) RestartAndRunAll(ctx context.Context) (*domain.BatchRun, error) {
	if o.cfg.Restarter == nil {
		return nil, ErrNoRestarter
	}

	o.mu.Lock()
	active := o.batch != nil
	o.mu.Unlock()

	if err := o.Restart(ctx, false); err != nil {
		return nil, err
	}
	if active {
		return nil, nil
	}
	if err := o.waitReady(ctx); err != nil {
		return nil, err
	}
	return o.RunAll(ctx)
}
