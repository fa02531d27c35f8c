package api

import "github.com/hochfrequenz/cellrun/internal/orchestrator"

type cellStatusEvent struct {
	CellID     string `json:"cell_id"`
	Status     string `json:"status"`
	Completion string `json:"completion,omitempty"`
}

type cellOutputEvent struct {
	CellID string `json:"cell_id"`
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

type noticeEvent struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type batchFinishedEvent struct {
	Batch   BatchResponse `json:"batch"`
	Outcome string        `json:"outcome"`
}

type liveViewEvent struct {
	Target *TargetResponse `json:"target"`
	Error  string          `json:"error,omitempty"`
}

// notificationToEvent maps an orchestrator notification onto its SSE event.
// The event type is orchestrator.Kind.
func notificationToEvent(n orchestrator.Notification) SSEEvent {
	ev := SSEEvent{Type: orchestrator.Kind(n)}
	switch n := n.(type) {
	case orchestrator.CellStatusChanged:
		ev.Data = cellStatusEvent{CellID: n.CellID, Status: string(n.Status), Completion: string(n.Completion)}
	case orchestrator.CellOutput:
		ev.Data = cellOutputEvent{CellID: n.CellID, Stream: string(n.Chunk.Stream), Text: n.Chunk.Text}
	case orchestrator.RestartRequested:
		ev.Data = struct{}{}
	case orchestrator.Notice:
		ev.Data = noticeEvent{Level: string(n.Level), Message: n.Message}
	case orchestrator.BatchFinished:
		ev.Data = batchFinishedEvent{Batch: batchToResponse(n.Batch), Outcome: string(n.Outcome.Outcome)}
	case orchestrator.LiveViewChanged:
		var data liveViewEvent
		if n.Target != nil {
			t := targetToResponse(*n.Target)
			data.Target = &t
		}
		if n.Err != nil {
			data.Error = n.Err.Error()
		}
		ev.Data = data
	}
	return ev
}
