package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/logging"
	"github.com/hochfrequenz/cellrun/internal/orchestrator"
)

// sendTimeout bounds one delivery so a slow webhook cannot stall the relay
const sendTimeout = 15 * time.Second

// FromOrchestrator picks out the orchestrator notifications worth telling the
// user about outside the UI: finished batches and errors
func FromOrchestrator(n orchestrator.Notification) (Notification, bool) {
	switch n := n.(type) {
	case orchestrator.BatchFinished:
		return batchNotification(n.Outcome), true
	case orchestrator.Notice:
		if n.Level != orchestrator.NoticeError {
			return Notification{}, false
		}
		return Notification{Title: "cellrun", Message: n.Message, Severity: SeverityError}, true
	default:
		return Notification{}, false
	}
}

func batchNotification(out domain.BatchOutcome) Notification {
	n := Notification{
		Title:    "Run all finished",
		Message:  fmt.Sprintf("%d of %d cells succeeded", out.Succeeded, len(out.CellIDs)),
		Severity: SeveritySuccess,
		BatchID:  out.RunID,
		Fields: []Field{
			{Name: "Failed", Value: strconv.Itoa(out.Failed)},
			{Name: "Aborted", Value: strconv.Itoa(out.Aborted)},
			{Name: "Duration", Value: (time.Duration(out.DurationMs) * time.Millisecond).String()},
		},
	}
	if out.Restarts > 0 {
		n.Fields = append(n.Fields, Field{Name: "Restarts", Value: strconv.Itoa(out.Restarts)})
	}
	switch out.Outcome {
	case domain.OutcomeFailed:
		n.Title, n.Severity = "Run all failed", SeverityError
	case domain.OutcomeAborted:
		n.Title, n.Severity = "Run all aborted", SeverityWarning
	}
	return n
}

// Relay forwards orchestrator notifications to notifier until the stream
// closes or ctx ends
func Relay(ctx context.Context, notes <-chan orchestrator.Notification, notifier Notifier, logger *zap.Logger) {
	logger = logging.OrNop(logger)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			out, send := FromOrchestrator(n)
			if !send {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			if err := notifier.Send(sendCtx, out); err != nil {
				logger.Warn("sending notification", zap.String("title", out.Title), zap.Error(err))
			}
			cancel()
		}
	}
}
