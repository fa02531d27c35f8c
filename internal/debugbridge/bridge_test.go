package debugbridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/cellrun/internal/domain"
)

// fakeBrowser serves the discovery endpoints and a browser debugger socket
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu             sync.Mutex
	targets        []domain.DebugTarget
	versionStatus  int
	rejectDiscover bool
	conn           *websocket.Conn
	closed         []string
}

func newFakeBrowser(t *testing.T, targets ...domain.DebugTarget) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{t: t, targets: targets, versionStatus: http.StatusOK}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		status := fb.versionStatus
		fb.mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, "nope", status)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "Fake/1.0",
			"webSocketDebuggerUrl": "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/devtools/browser/fake",
		})
	})
	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		json.NewEncoder(w).Encode(fb.targets)
	})
	mux.HandleFunc("/devtools/browser/fake", fb.handleSocket)

	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) handleSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	fb.mu.Lock()
	fb.conn = conn
	fb.mu.Unlock()

	for {
		var req struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}

		fb.mu.Lock()
		switch req.Method {
		case "Target.setDiscoverTargets":
			if fb.rejectDiscover {
				conn.WriteJSON(map[string]any{"id": req.ID, "error": map[string]any{"code": -32000, "message": "not allowed"}})
			} else {
				conn.WriteJSON(map[string]any{"id": req.ID, "result": map[string]any{}})
			}
		case "Target.closeTarget":
			var p struct {
				TargetID string `json:"targetId"`
			}
			json.Unmarshal(req.Params, &p)
			fb.closed = append(fb.closed, p.TargetID)
			conn.WriteJSON(map[string]any{"id": req.ID, "result": map[string]any{"success": true}})
		}
		fb.mu.Unlock()
	}
}

func (fb *fakeBrowser) setTargets(targets ...domain.DebugTarget) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.targets = targets
}

func (fb *fakeBrowser) emit(method string, info map[string]any) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.NotNil(fb.t, fb.conn)
	require.NoError(fb.t, fb.conn.WriteJSON(map[string]any{
		"method": method,
		"params": map[string]any{"targetInfo": info},
	}))
}

func (fb *fakeBrowser) dropConnection() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.conn != nil {
		fb.conn.Close()
	}
}

func (fb *fakeBrowser) closedTargets() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string(nil), fb.closed...)
}

type recordingSink struct {
	targets  chan domain.DebugTarget
	failures chan error
}

func newSink() *recordingSink {
	return &recordingSink{targets: make(chan domain.DebugTarget, 16), failures: make(chan error, 16)}
}

func (s *recordingSink) TargetChanged(t domain.DebugTarget) { s.targets <- t }
func (s *recordingSink) DiscoveryFailed(err error)          { s.failures <- err }

func (s *recordingSink) nextTarget(t *testing.T) domain.DebugTarget {
	t.Helper()
	select {
	case target := <-s.targets:
		return target
	case <-time.After(5 * time.Second):
		t.Fatal("no target pushed")
		return domain.DebugTarget{}
	}
}

func (s *recordingSink) nextFailure(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.failures:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("no failure reported")
		return nil
	}
}

func page(id, url string) domain.DebugTarget {
	return domain.DebugTarget{ID: id, Title: id, URL: url, Type: "page", DevtoolsFrontendURL: "/devtools/inspector.html?ws=" + id}
}

func newBridge(t *testing.T, sink Sink) *Bridge {
	t.Helper()
	b := New(Config{Sink: sink, HandshakeTimeout: 2 * time.Second})
	t.Cleanup(b.Close)
	return b
}

func TestCheckEndpoint(t *testing.T) {
	tests := []struct {
		url      string
		insecure bool
		wantErr  bool
	}{
		{"http://127.0.0.1:9222", false, false},
		{"http://localhost:9222", false, false},
		{"http://[::1]:9222", false, false},
		{"ws://127.0.0.1:9222/devtools/browser/x", false, false},
		{"https://browser.example.com", false, false},
		{"wss://browser.example.com/devtools", false, false},
		{"http://10.0.0.5:9222", true, true},
		{"ws://browser.example.com/devtools", true, true},
		{"ftp://127.0.0.1", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			_, err := checkEndpoint(tt.url)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.insecure, errors.Is(err, ErrInsecureEndpoint))
		})
	}
}

func TestDiscover_RejectsInsecureEndpoint(t *testing.T) {
	sink := newSink()
	b := newBridge(t, sink)

	err := b.Discover(context.Background(), "http://192.0.2.10:9222")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsecureEndpoint)
	assert.ErrorIs(t, err, ErrDiscoveryFailed)
	assert.ErrorIs(t, sink.nextFailure(t), ErrInsecureEndpoint)
	assert.False(t, b.Active())
}

func TestDiscover_SeedsFirstSurfaceablePage(t *testing.T) {
	fb := newFakeBrowser(t,
		page("internal", "chrome://newtab/"),
		domain.DebugTarget{ID: "sw", URL: "https://example.com/sw.js", Type: "service_worker"},
		page("app", "https://example.com/"),
	)
	sink := newSink()
	b := newBridge(t, sink)

	require.NoError(t, b.Discover(context.Background(), fb.srv.URL))
	assert.True(t, b.Active())

	got := sink.nextTarget(t)
	assert.Equal(t, "app", got.ID)

	current, ok := b.Current()
	require.True(t, ok)
	assert.Equal(t, got, current)
}

func TestDiscover_NewPagePushesDescriptor(t *testing.T) {
	fb := newFakeBrowser(t)
	sink := newSink()
	b := newBridge(t, sink)
	require.NoError(t, b.Discover(context.Background(), fb.srv.URL))

	fb.setTargets(page("tab-2", "https://example.com/checkout"))
	fb.emit("Target.targetCreated", map[string]any{
		"targetId": "tab-2", "type": "page", "title": "", "url": "about:blank", "attached": false,
	})

	got := sink.nextTarget(t)
	assert.Equal(t, "tab-2", got.ID)
	assert.Equal(t, "https://example.com/checkout", got.URL)
}

func TestDiscover_NavigationReplacesDescriptor(t *testing.T) {
	fb := newFakeBrowser(t, page("p1", "https://example.com/a"))
	sink := newSink()
	b := newBridge(t, sink)
	require.NoError(t, b.Discover(context.Background(), fb.srv.URL))
	assert.Equal(t, "https://example.com/a", sink.nextTarget(t).URL)

	navigated := page("p1", "https://example.com/b")
	navigated.Title = "B"
	fb.setTargets(navigated)
	fb.emit("Target.targetInfoChanged", map[string]any{
		"targetId": "p1", "type": "page", "title": "B", "url": "https://example.com/b", "attached": true,
	})

	got := sink.nextTarget(t)
	assert.Equal(t, navigated, got)
}

func TestDiscover_InternalTargetIsClosed(t *testing.T) {
	fb := newFakeBrowser(t, page("app", "https://example.com/"))
	sink := newSink()
	b := newBridge(t, sink)
	require.NoError(t, b.Discover(context.Background(), fb.srv.URL))
	sink.nextTarget(t)

	fb.setTargets(page("app", "https://example.com/"), page("dt", "devtools://devtools/bundled/inspector.html"))
	fb.emit("Target.targetCreated", map[string]any{
		"targetId": "dt", "type": "page", "title": "DevTools", "url": "devtools://devtools/bundled/inspector.html", "attached": false,
	})

	assert.Eventually(t, func() bool {
		return len(fb.closedTargets()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"dt"}, fb.closedTargets())

	current, _ := b.Current()
	assert.Equal(t, "app", current.ID)
	select {
	case target := <-sink.targets:
		t.Fatalf("internal target pushed: %+v", target)
	default:
	}
}

func TestDiscover_InternalNavigationDropsTargetWithoutClosing(t *testing.T) {
	fb := newFakeBrowser(t, page("app", "https://example.com/"))
	sink := newSink()
	b := newBridge(t, sink)
	require.NoError(t, b.Discover(context.Background(), fb.srv.URL))
	sink.nextTarget(t)

	// the automation's own tab opens the downloads page
	fb.setTargets(page("app", "chrome://downloads/"))
	fb.emit("Target.targetInfoChanged", map[string]any{
		"targetId": "app", "type": "page", "title": "Downloads", "url": "chrome://downloads/", "attached": true,
	})

	assert.Eventually(t, func() bool {
		_, ok := b.Current()
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, fb.closedTargets())
	assert.Empty(t, sink.targets)
}

func TestDiscover_HandshakeFailureSignalsOnce(t *testing.T) {
	fb := newFakeBrowser(t, page("app", "https://example.com/"))
	fb.versionStatus = http.StatusInternalServerError
	sink := newSink()
	b := newBridge(t, sink)

	err := b.Discover(context.Background(), fb.srv.URL)
	require.ErrorIs(t, err, ErrDiscoveryFailed)
	sink.nextFailure(t)
	assert.False(t, b.Active())

	// no retry loop
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, sink.failures)
	assert.Empty(t, sink.targets)
}

func TestDiscover_SubscribeRejected(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.rejectDiscover = true
	sink := newSink()
	b := newBridge(t, sink)

	err := b.Discover(context.Background(), fb.srv.URL)
	require.ErrorIs(t, err, ErrDiscoveryFailed)
	assert.Contains(t, err.Error(), "not allowed")
	sink.nextFailure(t)
	assert.False(t, b.Active())
}

func TestDiscover_BrowserDropReported(t *testing.T) {
	fb := newFakeBrowser(t, page("app", "https://example.com/"))
	sink := newSink()
	b := newBridge(t, sink)
	require.NoError(t, b.Discover(context.Background(), fb.srv.URL))
	sink.nextTarget(t)

	fb.dropConnection()
	assert.ErrorIs(t, sink.nextFailure(t), ErrBrowserGone)
	assert.False(t, b.Active())
	_, ok := b.Current()
	assert.False(t, ok)
}

func TestClose_ForgetsTarget(t *testing.T) {
	fb := newFakeBrowser(t, page("app", "https://example.com/"))
	sink := newSink()
	b := newBridge(t, sink)
	require.NoError(t, b.Discover(context.Background(), fb.srv.URL))
	sink.nextTarget(t)

	b.Close()
	assert.False(t, b.Active())
	_, ok := b.Current()
	assert.False(t, ok)

	// Closing is quiet and idempotent
	b.Close()
	assert.Empty(t, sink.failures)
}

func TestTargets_ListsSurfaceablePages(t *testing.T) {
	fb := newFakeBrowser(t,
		page("a", "https://example.com/a"),
		page("internal", "chrome://settings"),
		domain.DebugTarget{ID: "w", Type: "worker", URL: "https://example.com/w.js"},
		page("b", "https://example.com/b"),
	)
	b := New(Config{})

	targets, err := b.Targets(context.Background(), fb.srv.URL)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "a", targets[0].ID)
	assert.Equal(t, "b", targets[1].ID)
	assert.False(t, b.Active())
}
