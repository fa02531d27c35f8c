// Package debugbridge follows a browser's remote-debugging endpoint and keeps
// track of the one page worth showing as the live view.
package debugbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/cellrun/internal/domain"
	"github.com/hochfrequenz/cellrun/internal/logging"
)

var (
	// ErrDiscoveryFailed wraps every discovery or handshake failure
	ErrDiscoveryFailed = errors.New("debug target discovery failed")
	// ErrInsecureEndpoint rejects plain-text endpoints that are not on loopback
	ErrInsecureEndpoint = errors.New("insecure debug endpoint")
	// ErrBrowserGone is reported when an established browser connection drops
	ErrBrowserGone = errors.New("browser debug connection lost")
)

// Sink receives live-view updates
type Sink interface {
	TargetChanged(target domain.DebugTarget)
	DiscoveryFailed(err error)
}

// Config for a Bridge
type Config struct {
	Sink             Sink
	Logger           *zap.Logger
	HandshakeTimeout time.Duration
	HTTPClient       *http.Client
}

// Bridge holds at most one live browser connection and one current target
type Bridge struct {
	cfg    Config
	logger *zap.Logger
	client *http.Client

	mu      sync.Mutex
	sess    *session
	current *domain.DebugTarget
	gen     uint64
}

// New creates an idle bridge
func New(cfg Config) *Bridge {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.HandshakeTimeout}
	}
	return &Bridge{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger),
		client: client,
	}
}

// SetSink replaces the receiver of live-view updates
func (b *Bridge) SetSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg.Sink = s
}

func (b *Bridge) sink() Sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.Sink
}

// Current returns the target being shown, if any
func (b *Bridge) Current() (domain.DebugTarget, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return domain.DebugTarget{}, false
	}
	return *b.current, true
}

// Active reports whether a browser connection is established
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sess != nil
}

// Discover resolves the browser's debugger socket, subscribes to target
// lifecycle events and seeds the current target. Any failure is reported to
// the sink once and is not retried.
func (b *Bridge) Discover(ctx context.Context, baseURL string) error {
	err := b.discover(ctx, baseURL)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
		b.logger.Warn("discovery failed", zap.String("base_url", baseURL), zap.Error(err))
		if sink := b.sink(); sink != nil {
			sink.DiscoveryFailed(err)
		}
	}
	return err
}

func (b *Bridge) discover(ctx context.Context, baseURL string) error {
	base, err := checkEndpoint(baseURL)
	if err != nil {
		return err
	}

	// Only one browser connection at a time
	b.Close()

	hsCtx, cancel := context.WithTimeout(ctx, b.cfg.HandshakeTimeout)
	defer cancel()

	wsURL, err := b.browserSocketURL(hsCtx, base)
	if err != nil {
		return err
	}
	if _, err := checkEndpoint(wsURL); err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(hsCtx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connecting to browser: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.gen++
	s := &session{
		bridge:  b,
		gen:     b.gen,
		base:    base,
		conn:    conn,
		ctx:     sessCtx,
		cancel:  sessCancel,
		pending: make(map[int64]chan cdpMessage),
		done:    make(chan struct{}),
	}
	b.sess = s
	b.mu.Unlock()

	go s.readLoop()

	if _, err := s.call(hsCtx, proto.TargetSetDiscoverTargets{Discover: true}); err != nil {
		b.teardown(s)
		return fmt.Errorf("subscribing to targets: %w", err)
	}

	if err := b.seed(hsCtx, s); err != nil {
		b.teardown(s)
		return err
	}

	b.logger.Info("browser attached", zap.String("browser", wsURL))
	return nil
}

// seed picks the first page already open
func (b *Bridge) seed(ctx context.Context, s *session) error {
	targets, err := b.list(ctx, s.base)
	if err != nil {
		return err
	}
	for _, t := range targets {
		if t.Surfaceable() {
			b.publish(s, t)
			return nil
		}
	}
	return nil
}

// Close tears down the browser connection and forgets the current target
func (b *Bridge) Close() {
	b.mu.Lock()
	s := b.sess
	b.mu.Unlock()
	if s != nil {
		b.teardown(s)
	}
}

func (b *Bridge) teardown(s *session) {
	b.mu.Lock()
	if b.sess == s {
		b.sess = nil
		b.current = nil
	}
	b.mu.Unlock()

	s.closing.Store(true)
	s.cancel()
	s.conn.Close()
	<-s.done
}

// Targets lists the surfaceable pages of an endpoint without attaching to it
func (b *Bridge) Targets(ctx context.Context, baseURL string) ([]domain.DebugTarget, error) {
	base, err := checkEndpoint(baseURL)
	if err != nil {
		return nil, err
	}
	all, err := b.list(ctx, base)
	if err != nil {
		return nil, err
	}
	var out []domain.DebugTarget
	for _, t := range all {
		if t.Surfaceable() {
			out = append(out, t)
		}
	}
	return out, nil
}

// publish replaces the current target and pushes it, unless the session is stale
func (b *Bridge) publish(s *session, t domain.DebugTarget) {
	b.mu.Lock()
	if b.sess != s {
		b.mu.Unlock()
		return
	}
	if b.current != nil && *b.current == t {
		b.mu.Unlock()
		return
	}
	next := t
	b.current = &next
	b.mu.Unlock()

	b.logger.Debug("live view target", zap.String("id", t.ID), zap.String("url", t.URL))
	if sink := b.sink(); sink != nil {
		sink.TargetChanged(t)
	}
}

// forget drops the current target if it was destroyed or left for an
// internal page
func (b *Bridge) forget(s *session, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == s && b.current != nil && b.current.ID == id {
		b.current = nil
	}
}

// lost handles a browser connection that dropped on its own
func (b *Bridge) lost(s *session, err error) {
	b.mu.Lock()
	if b.sess != s {
		b.mu.Unlock()
		return
	}
	b.sess = nil
	b.current = nil
	b.mu.Unlock()

	b.logger.Info("browser connection lost", zap.Error(err))
	if sink := b.sink(); sink != nil {
		sink.DiscoveryFailed(fmt.Errorf("%w: %v", ErrBrowserGone, err))
	}
}

// browserSocketURL reads the whole-browser debugger URL from /json/version
func (b *Bridge) browserSocketURL(ctx context.Context, base *url.URL) (string, error) {
	var info struct {
		Browser              string `json:"Browser"`
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := b.getJSON(ctx, base, "/json/version", &info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("endpoint did not report a browser debugger url")
	}
	return info.WebSocketDebuggerURL, nil
}

// list returns every target in /json
func (b *Bridge) list(ctx context.Context, base *url.URL) ([]domain.DebugTarget, error) {
	var targets []domain.DebugTarget
	if err := b.getJSON(ctx, base, "/json", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

func (b *Bridge) getJSON(ctx context.Context, base *url.URL, path string, v any) error {
	u := *base
	u.Path = strings.TrimSuffix(u.Path, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("GET %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}

// checkEndpoint rejects plain-text transport to anything but loopback
func checkEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", raw, err)
	}
	switch u.Scheme {
	case "https", "wss":
		return u, nil
	case "http", "ws":
		if isLoopback(u.Hostname()) {
			return u, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrInsecureEndpoint, u.Host)
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
