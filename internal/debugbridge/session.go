package debugbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/cellrun/internal/domain"
)

const writeWait = 5 * time.Second

// request is any CDP command payload from the proto package
type request interface {
	ProtoReq() string
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *cdpError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// cdpMessage is one frame from the browser: a response when ID is set,
// an event otherwise
type cdpMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// session is one whole-browser debugger connection
type session struct {
	bridge *Bridge
	gen    uint64
	base   *url.URL
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan cdpMessage

	closing atomic.Bool
	done    chan struct{}
}

// call sends a command and waits for its response
func (s *session) call(ctx context.Context, req request) (json.RawMessage, error) {
	id := s.nextID.Add(1)
	reply := make(chan cdpMessage, 1)

	s.mu.Lock()
	s.pending[id] = reply
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.send(id, req); err != nil {
		return nil, err
	}

	select {
	case msg := <-reply:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", req.ProtoReq(), ctx.Err())
	case <-s.done:
		return nil, fmt.Errorf("%s: connection closed", req.ProtoReq())
	}
}

// notify sends a command without waiting for the response
func (s *session) notify(req request) error {
	return s.send(s.nextID.Add(1), req)
}

func (s *session) send(id int64, req request) error {
	data, err := json.Marshal(cdpRequest{ID: id, Method: req.ProtoReq(), Params: req})
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing %s: %w", req.ProtoReq(), err)
	}
	return nil
}

func (s *session) readLoop() {
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closing.Load() {
				s.bridge.lost(s, err)
			}
			return
		}

		var msg cdpMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.bridge.logger.Debug("ignoring malformed cdp frame", zap.Error(err))
			continue
		}

		if msg.ID != 0 {
			s.mu.Lock()
			reply, ok := s.pending[msg.ID]
			s.mu.Unlock()
			if ok {
				select {
				case reply <- msg:
				default:
				}
			}
			continue
		}
		s.handleEvent(msg)
	}
}

func (s *session) handleEvent(msg cdpMessage) {
	switch msg.Method {
	case proto.TargetTargetCreated{}.ProtoEvent():
		var ev proto.TargetTargetCreated
		if err := json.Unmarshal(msg.Params, &ev); err != nil || ev.TargetInfo == nil {
			return
		}
		s.onPage(ev.TargetInfo, true)

	case proto.TargetTargetInfoChanged{}.ProtoEvent():
		var ev proto.TargetTargetInfoChanged
		if err := json.Unmarshal(msg.Params, &ev); err != nil || ev.TargetInfo == nil {
			return
		}
		s.onPage(ev.TargetInfo, false)

	case proto.TargetTargetDestroyed{}.ProtoEvent():
		var ev proto.TargetTargetDestroyed
		if err := json.Unmarshal(msg.Params, &ev); err != nil {
			return
		}
		s.bridge.forget(s, string(ev.TargetID))
	}
}

// onPage re-reads the tab list for a page target and either surfaces it or
// suppresses it when it is browser-internal. Only freshly created internal
// tabs are closed; a page that navigates to an internal URL is just dropped.
func (s *session) onPage(info *proto.TargetTargetInfo, created bool) {
	if info.Type != proto.TargetTargetInfoTypePage {
		return
	}
	id := string(info.TargetID)

	targets, err := s.bridge.list(s.ctx, s.base)
	if err != nil {
		s.bridge.logger.Debug("refreshing targets", zap.String("id", id), zap.Error(err))
		return
	}

	var found *domain.DebugTarget
	for i := range targets {
		if targets[i].ID == id {
			found = &targets[i]
			break
		}
	}
	if found == nil {
		return
	}

	if domain.IsInternalURL(found.URL) {
		s.bridge.logger.Debug("suppressing internal target", zap.String("id", id), zap.String("url", found.URL))
		if !created {
			s.bridge.forget(s, id)
			return
		}
		if err := s.notify(proto.TargetCloseTarget{TargetID: info.TargetID}); err != nil {
			s.bridge.logger.Debug("closing internal target", zap.Error(err))
		}
		return
	}
	if found.Type != "page" {
		return
	}
	s.bridge.publish(s, *found)
}
