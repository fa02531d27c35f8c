package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/hochfrequenz/cellrun/internal/channel"
	"github.com/hochfrequenz/cellrun/internal/domain"
)

// Run executes one cell and blocks until it reaches a terminal state.
// The returned cell carries the final status and output. Failure of the
// cell's own code is reported through its status, not the error.
func (o *Orchestrator) Run(ctx context.Context, cellID string) (domain.Cell, error) {
	ar, exec, err := o.begin(cellID, "")
	if err != nil {
		return domain.Cell{}, err
	}

	res, err := o.execute(ctx, ar, exec)
	cell, _ := o.Cell(cellID)
	if err != nil {
		return cell, err
	}

	switch res {
	case resolvedDisconnected:
		return cell, fmt.Errorf("cell %s: %w", cellID, channel.ErrDisconnected)
	case resolvedInterrupted:
		return cell, ErrInterrupted
	}
	return cell, nil
}

// Cancel stops the running cell. The cell is marked errored right away
// without waiting for the runtime. Returns false when nothing was running.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	ar := o.run
	if ar == nil {
		o.mu.Unlock()
		return false
	}
	fx := o.cancelLocked(ar)
	o.mu.Unlock()

	o.apply(fx)
	return true
}

func (o *Orchestrator) cancelLocked(ar *activeRun) effects {
	var fx effects
	if o.run != ar {
		return fx
	}
	if o.exec != nil && o.exec.ID() == ar.rc.ConnID {
		// the runtime still owes a cell_end for this submission
		o.stopping = ar.rc.CellID
		fx.stop = o.exec
	}
	if out, ok := o.finishLocked(ar, domain.CellError, domain.CompletionAborted, domain.OutcomeAborted, resolvedAborted); ok {
		fx.runs = append(fx.runs, out)
	}
	o.logger.Info("cell cancelled", zap.String("cell", ar.rc.CellID), zap.String("run", ar.rc.RunID))
	return fx
}

// begin validates single-flight and creates the run context
func (o *Orchestrator) begin(cellID, batchID string) (*activeRun, Executor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, nil, ErrClosed
	}
	if o.run != nil {
		o.noticeLocked(NoticeWarning, "cell %s is still running", o.run.rc.CellID)
		return nil, nil, fmt.Errorf("%w: cell %s is running", ErrSingleFlight, o.run.rc.CellID)
	}
	if batchID == "" && o.batch != nil {
		o.noticeLocked(NoticeWarning, "a run-all is in progress")
		return nil, nil, fmt.Errorf("%w: batch %s is active", ErrSingleFlight, o.batch.RunID)
	}
	if batchID != "" && o.restarted {
		return nil, nil, errBatchRestarted
	}
	if o.stopping != "" {
		o.noticeLocked(NoticeWarning, "cell %s is still stopping; restart the runtime if it does not respond", o.stopping)
		return nil, nil, fmt.Errorf("%w: cell %s has not acknowledged its stop", ErrSingleFlight, o.stopping)
	}
	cell, ok := o.index[cellID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCell, cellID)
	}
	if o.exec == nil {
		if batchID == "" {
			o.noticeLocked(NoticeError, "the script runtime is not connected")
		}
		return nil, nil, ErrNotConnected
	}

	ar := &activeRun{
		rc: domain.RunContext{
			RunID:      o.cfg.NewID(),
			CellID:     cellID,
			ConnID:     o.connID,
			StartedAt:  o.cfg.Now(),
			BatchRunID: batchID,
			LineCount:  domain.LineCount(cell.Source),
			ActCount:   domain.ActionCallCount(cell.Source),
		},
		done: make(chan resolution, 1),
	}
	o.run = ar

	cell.Status = domain.CellRunning
	cell.Output = nil
	o.emitLocked(CellStatusChanged{CellID: cellID, Status: domain.CellRunning})

	o.logger.Debug("cell started",
		zap.String("cell", cellID),
		zap.String("run", ar.rc.RunID),
		zap.String("batch", batchID),
		zap.Uint64("conn", ar.rc.ConnID))
	return ar, o.exec, nil
}

// execute submits the cell's source and waits for the completion signal
func (o *Orchestrator) execute(ctx context.Context, ar *activeRun, exec Executor) (resolution, error) {
	o.mu.Lock()
	source := ""
	if cell, ok := o.index[ar.rc.CellID]; ok {
		source = cell.Source
	}
	o.mu.Unlock()

	if err := exec.Submit(ar.rc.CellID, source); err != nil {
		o.submitFailed(ar, err)
		return <-ar.done, nil
	}

	select {
	case res := <-ar.done:
		return res, nil
	case <-ctx.Done():
		o.mu.Lock()
		fx := o.cancelLocked(ar)
		o.mu.Unlock()
		o.apply(fx)
		return <-ar.done, ctx.Err()
	case <-o.quit:
		return resolvedAborted, ErrClosed
	}
}

func (o *Orchestrator) submitFailed(ar *activeRun, err error) {
	o.mu.Lock()
	var fx effects
	res := resolvedDisconnected
	if errors.Is(err, channel.ErrSingleFlight) {
		res = resolvedAborted
	}
	if out, ok := o.finishLocked(ar, domain.CellError, domain.CompletionAborted, domain.OutcomeAborted, res); ok {
		fx.runs = append(fx.runs, out)
	}
	o.noticeLocked(NoticeError, "could not submit cell %s: %v", ar.rc.CellID, err)
	o.mu.Unlock()

	o.logger.Warn("submit failed", zap.String("cell", ar.rc.CellID), zap.Error(err))
	o.apply(fx)
}

// finishLocked resolves a run context exactly once and returns its outcome
func (o *Orchestrator) finishLocked(ar *activeRun, status domain.CellStatus, completion domain.CompletionStatus, outcome domain.Outcome, res resolution) (domain.RunOutcome, bool) {
	if ar.resolved {
		return domain.RunOutcome{}, false
	}
	ar.resolved = true
	if o.run == ar {
		o.run = nil
	}

	if cell, ok := o.index[ar.rc.CellID]; ok {
		cell.Status = status
		o.emitLocked(CellStatusChanged{CellID: cell.ID, Status: status, Completion: completion})
	}
	ar.done <- res

	return domain.RunOutcome{
		RunID:           ar.rc.RunID,
		CellID:          ar.rc.CellID,
		BatchID:         ar.rc.BatchRunID,
		StartedAt:       ar.rc.StartedAt,
		DurationMs:      o.cfg.Now().Sub(ar.rc.StartedAt).Milliseconds(),
		LineCount:       ar.rc.LineCount,
		ActionCallCount: ar.rc.ActCount,
		Outcome:         outcome,
	}, true
}
