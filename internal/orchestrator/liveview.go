package orchestrator

import (
	"go.uber.org/zap"

	"github.com/hochfrequenz/cellrun/internal/domain"
)

// startLiveViewLocked kicks off target discovery unless a live view exists
func (o *Orchestrator) startLiveViewLocked() {
	if o.live != liveOff || o.cfg.LiveView == nil || o.cfg.DebugBaseURL == "" || o.closed {
		return
	}
	o.live = liveDiscovering

	bridge := o.cfg.LiveView
	baseURL := o.cfg.DebugBaseURL
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := bridge.Discover(o.baseCtx, baseURL); err != nil {
			o.logger.Debug("live view discovery ended", zap.Error(err))
		}
	}()
}

// dropLiveViewLocked forgets the live view and reports whether the bridge
// needs tearing down
func (o *Orchestrator) dropLiveViewLocked() bool {
	if o.live == liveOff {
		return false
	}
	o.live = liveOff
	o.target = nil
	o.emitLocked(LiveViewChanged{})
	return true
}

// TargetChanged receives a new live-view target from the bridge
func (o *Orchestrator) TargetChanged(t domain.DebugTarget) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.live == liveOff {
		// torn down while discovery was in flight
		return
	}
	o.live = liveOn
	o.target = &t
	target := t
	o.emitLocked(LiveViewChanged{Target: &target})
}

// DiscoveryFailed collapses the live view. Discovery is retried only when a
// cell next reports the browser started.
func (o *Orchestrator) DiscoveryFailed(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.live == liveOff {
		return
	}
	o.live = liveOff
	o.target = nil
	o.emitLocked(LiveViewChanged{Err: err})
	o.noticeLocked(NoticeWarning, "live view unavailable: %v", err)
}
