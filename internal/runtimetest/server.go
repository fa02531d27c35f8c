// Package runtimetest provides an in-process stand-in for the script runtime.
// It speaks the real frame protocol over WebSocket and interprets a tiny
// line language so tests can script output, failures and hangs:
//
//	print TEXT   emit TEXT on stdout
//	warn TEXT    emit TEXT on stderr
//	fail         finish the cell unsuccessfully
//	browser      report the automation browser as started
//	block        wait for STOP_EXECUTION, then finish aborted
//	hang         never finish, ignore stop requests
package runtimetest

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/protocol"
)

// Server is a fake runtime. Mount it with httptest.NewServer.
type Server struct {
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu          sync.Mutex
	healthy     bool
	commands    []protocol.Command
	submissions []protocol.Submission
	apiKeys     []string
	conns       []*websocket.Conn
}

// NewServer returns a healthy fake runtime
func NewServer() *Server {
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		mux:      http.NewServeMux(),
		healthy:  true,
	}
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWS)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// SetHealthy toggles the health endpoint between 200 and 503
func (s *Server) SetHealthy(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = ok
}

// Submissions returns every cell body received so far
func (s *Server) Submissions() []protocol.Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Submission(nil), s.submissions...)
}

// Commands returns every frame received so far
func (s *Server) Commands() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Command(nil), s.commands...)
}

// APIKeys returns the credentials pushed with UPDATE_API_KEY
func (s *Server) APIKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.apiKeys...)
}

// DropConnections closes every open runtime connection from the server side
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	ok := s.healthy
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok"))
}

type session struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	stop    chan struct{}
	stopMu  sync.Mutex
	done    chan struct{}
}

func (s *session) emit(ev protocol.Event) {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *session) stopSignal() chan struct{} {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	return s.stop
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	sess := &session{conn: conn, stop: make(chan struct{}), done: make(chan struct{})}
	defer close(sess.done)
	var asm protocol.Assembler

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			continue
		}

		s.mu.Lock()
		s.commands = append(s.commands, cmd)
		if key, ok := cmd.(protocol.UpdateAPIKey); ok {
			s.apiKeys = append(s.apiKeys, key.Data)
		}
		s.mu.Unlock()

		if _, ok := cmd.(protocol.StopExecution); ok {
			sess.stopMu.Lock()
			close(sess.stop)
			sess.stop = make(chan struct{})
			sess.stopMu.Unlock()
			continue
		}

		sub, err := asm.Feed(cmd)
		if err != nil || sub == nil {
			continue
		}

		s.mu.Lock()
		s.submissions = append(s.submissions, *sub)
		s.mu.Unlock()

		go execute(sess, *sub)
	}
}

// execute interprets a submission and reports its events
func execute(sess *session, sub protocol.Submission) {
	stop := sess.stopSignal()
	success := true
	completion := domain.CompletionCompleted
	browser := domain.BrowserStopped

	for _, line := range strings.Split(sub.Source, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "print "):
			sess.emit(protocol.Output{Stream: domain.StreamStdout, CellID: sub.CellID, Data: strings.TrimPrefix(line, "print ") + "\n"})
		case strings.HasPrefix(line, "warn "):
			sess.emit(protocol.Output{Stream: domain.StreamStderr, CellID: sub.CellID, Data: strings.TrimPrefix(line, "warn ") + "\n"})
		case line == "fail":
			success = false
			completion = domain.CompletionFailed
		case line == "browser":
			browser = domain.BrowserStarted
		case line == "block":
			select {
			case <-stop:
			case <-sess.done:
				return
			}
			sess.emit(protocol.CellEnd{CellID: sub.CellID, Completion: domain.CompletionAborted, Browser: browser})
			return
		case line == "hang":
			<-sess.done
			return
		}
	}

	sess.emit(protocol.CellEnd{CellID: sub.CellID, Success: success, Completion: completion, Browser: browser})
}
