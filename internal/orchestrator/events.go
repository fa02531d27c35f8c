package orchestrator

import (
	"go.uber.org/zap"

	"github.com/hochfrequenz/cellrun/internal/channel"
	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/protocol"
)

func (o *Orchestrator) handle(ev channel.Event) {
	o.mu.Lock()
	if o.exec == nil || ev.ConnID != o.connID {
		o.mu.Unlock()
		o.logger.Debug("dropping event from stale connection", zap.Uint64("conn", ev.ConnID))
		return
	}

	var fx effects
	switch e := ev.Payload.(type) {
	case protocol.Output:
		o.onOutputLocked(e)
	case protocol.CellEnd:
		fx = o.onCellEndLocked(e)
	case protocol.Disconnected:
		fx = o.onDisconnectedLocked(e)
	}
	o.mu.Unlock()

	o.apply(fx)
}

func (o *Orchestrator) onOutputLocked(e protocol.Output) {
	if o.run == nil || o.run.rc.CellID != e.CellID {
		return
	}
	cell, ok := o.index[e.CellID]
	if !ok {
		return
	}
	chunk := domain.OutputChunk{Stream: e.Stream, Text: e.Data}
	cell.Output = append(cell.Output, chunk)
	o.emitLocked(CellOutput{CellID: e.CellID, Chunk: chunk})
}

func (o *Orchestrator) onCellEndLocked(e protocol.CellEnd) effects {
	var fx effects

	ar := o.run
	switch {
	case o.stopping != "" && o.stopping == e.CellID:
		o.stopping = ""
		o.logger.Debug("cancelled cell acknowledged its stop", zap.String("cell", e.CellID))
	case ar == nil || ar.rc.CellID != e.CellID:
		o.logger.Debug("cell_end without a matching run", zap.String("cell", e.CellID))
	default:
		status, outcome, res := classify(e)
		if out, ok := o.finishLocked(ar, status, e.Completion, outcome, res); ok {
			fx.runs = append(fx.runs, out)
		}
	}

	switch e.Browser {
	case domain.BrowserStarted:
		o.startLiveViewLocked()
	case domain.BrowserStopped:
		fx.closeLive = o.dropLiveViewLocked()
	}
	return fx
}

func classify(e protocol.CellEnd) (domain.CellStatus, domain.Outcome, resolution) {
	completion := e.Completion
	if !completion.Valid() {
		completion = domain.CompletionFailed
		if e.Success {
			completion = domain.CompletionCompleted
		}
	}

	switch completion {
	case domain.CompletionCompleted:
		if e.Success {
			return domain.CellSuccess, domain.OutcomeCompleted, resolvedCompleted
		}
		return domain.CellError, domain.OutcomeFailed, resolvedFailed
	case domain.CompletionAborted:
		return domain.CellError, domain.OutcomeAborted, resolvedAborted
	default:
		return domain.CellError, domain.OutcomeFailed, resolvedFailed
	}
}

func (o *Orchestrator) onDisconnectedLocked(e protocol.Disconnected) effects {
	var fx effects
	o.logger.Warn("runtime connection lost", zap.Uint64("conn", o.connID), zap.Error(e.Err))

	o.detachLocked()
	err := e.Err
	if err == nil {
		err = channel.ErrDisconnected
	}
	o.failLocked(err)
	if ar := o.run; ar != nil {
		if out, ok := o.finishLocked(ar, domain.CellError, domain.CompletionAborted, domain.OutcomeAborted, resolvedDisconnected); ok {
			fx.runs = append(fx.runs, out)
		}
	}
	o.noticeLocked(NoticeError, "lost connection to the script runtime")
	return fx
}
