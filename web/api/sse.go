package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// clientBuffer is how far a client may fall behind before it is dropped
	clientBuffer = 32
	// replayBacklog is how many recent events a reconnecting client can recover
	replayBacklog = 128
	keepAlive     = 15 * time.Second
)

// SSEEvent is one server-sent event; the hub assigns ID on broadcast
type SSEEvent struct {
	ID   uint64      `json:"-"`
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// subscription registers a client; events with an id above after are replayed
type subscription struct {
	events chan SSEEvent
	after  uint64
}

// SSEHub fans events out to stream clients and keeps a short backlog for
// clients that reconnect with Last-Event-ID
type SSEHub struct {
	broadcast  chan SSEEvent
	register   chan subscription
	unregister chan chan SSEEvent
	done       chan struct{} // closed when Run returns

	// owned by Run
	backlog []SSEEvent
	seq     uint64

	mu      sync.RWMutex
	clients map[chan SSEEvent]struct{}
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{
		broadcast:  make(chan SSEEvent, 64),
		register:   make(chan subscription),
		unregister: make(chan chan SSEEvent),
		done:       make(chan struct{}),
		clients:    make(map[chan SSEEvent]struct{}),
	}
}

// Run dispatches events until ctx is cancelled. A client that can't keep up
// is disconnected and may resume with Last-Event-ID.
func (h *SSEHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case sub := <-h.register:
			h.replay(sub)
			h.mu.Lock()
			h.clients[sub.events] = struct{}{}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.drop(client)

		case event := <-h.broadcast:
			h.seq++
			event.ID = h.seq
			h.backlog = append(h.backlog, event)
			if len(h.backlog) > replayBacklog {
				h.backlog = h.backlog[len(h.backlog)-replayBacklog:]
			}

			h.mu.RLock()
			var slow []chan SSEEvent
			for client := range h.clients {
				select {
				case client <- event:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			for _, client := range slow {
				h.drop(client)
			}
		}
	}
}

// replay queues the backlog after sub.after without blocking the hub
func (h *SSEHub) replay(sub subscription) {
	if sub.after == 0 {
		return
	}
	for _, ev := range h.backlog {
		if ev.ID <= sub.after {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			return
		}
	}
}

func (h *SSEHub) drop(client chan SSEEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client)
	}
}

// Clients returns the number of connected clients
func (h *SSEHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends an event to all clients
func (h *SSEHub) Broadcast(event SSEEvent) {
	h.broadcast <- event
}

func writeEvent(w io.Writer, ev SSEEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		after, _ := strconv.ParseUint(r.Header.Get("Last-Event-ID"), 10, 64)
		client := make(chan SSEEvent, replayBacklog+clientBuffer)
		select {
		case s.sseHub.register <- subscription{events: client, after: after}:
		case <-r.Context().Done():
			return
		case <-s.sseHub.done:
			return
		}
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-r.Context().Done():
				select {
				case s.sseHub.unregister <- client:
				case <-s.sseHub.done:
				}
				return
			case <-ticker.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			case event, ok := <-client:
				if !ok {
					return
				}
				if err := writeEvent(w, event); err != nil {
					s.logger.Debug("writing event", zap.Error(err))
				}
				flusher.Flush()
			}
		}
	}
}
