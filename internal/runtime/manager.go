// Package runtime manages the long-lived script runtime subprocess: it spawns
// it on a port, waits for its health probe, owns the channel connection to it,
// and tears it down.
package runtime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hochfrequenz/cellrun/internal/channel"
	"github.com/hochfrequenz/cellrun/internal/config"
	"github.com/hochfrequenz/cellrun/internal/logging"
)

// ErrBackendUnavailable means the runtime never became healthy within the retry budget
var ErrBackendUnavailable = errors.New("script runtime unavailable")

// PortEnv tells the runtime which port to listen on
const PortEnv = "CELLRUN_PORT"

// Hooks let the orchestrator follow connection changes without the manager knowing about cells
type Hooks struct {
	// OnRestarting runs before a restart tears anything down
	OnRestarting func()
	// OnReady runs after every successful (re)start with the fresh channel
	OnReady func(ch *channel.Channel)
	// OnFailed runs when a (re)start gives up
	OnFailed func(err error)
}

// Config describes how to spawn and probe the runtime
type Config struct {
	Command        []string
	WorkDir        string
	Host           string
	Port           int
	HealthPath     string
	ChannelPath    string
	HealthAttempts int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	StopTimeout    time.Duration
	Env            map[string]string
	EnvFile        string
	APIKeyEnv      string
	APIKey         string
	Channel        channel.Options
	Logger         *zap.Logger
}

// FromConfig maps the TOML runtime section onto a manager config
func FromConfig(rc config.RuntimeConfig, logger *zap.Logger) Config {
	return Config{
		Command:        rc.Command,
		WorkDir:        rc.WorkDir,
		Host:           rc.Host,
		Port:           rc.Port,
		HealthPath:     rc.HealthPath,
		ChannelPath:    rc.ChannelPath,
		HealthAttempts: rc.HealthAttempts,
		InitialBackoff: time.Duration(rc.HealthInitialBackoff) * time.Millisecond,
		MaxBackoff:     time.Duration(rc.HealthMaxBackoff) * time.Millisecond,
		StopTimeout:    rc.StopTimeout(),
		Env:            rc.Env,
		EnvFile:        rc.EnvFile,
		APIKeyEnv:      rc.APIKeyEnv,
		Logger:         logger,
	}
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/health"
	}
	if c.ChannelPath == "" {
		c.ChannelPath = "/ws"
	}
	if c.HealthAttempts <= 0 {
		c.HealthAttempts = 8
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 4 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 5 * time.Second
	}
}

// calculateBackoff returns the delay before probe attempt+1 using exponential backoff
func calculateBackoff(attempt int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > max {
			return max
		}
	}
	return delay
}

// process is one spawned runtime
type process struct {
	cmd     *exec.Cmd
	port    int
	exited  chan struct{}
	exitErr error
}

func (p *process) alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Manager owns the runtime process and its channel.
// Start, Restart and Stop are serialized.
type Manager struct {
	cfg    Config
	hooks  Hooks
	logger *zap.Logger
	client *http.Client

	opMu sync.Mutex // serializes lifecycle operations

	mu      sync.Mutex
	proc    *process
	ch      *channel.Channel
	connSeq uint64
	apiKey  string
}

// NewManager creates a manager; nothing is spawned until Start
func NewManager(cfg Config, hooks Hooks) (*Manager, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("runtime command is required")
	}
	cfg.applyDefaults()
	logger := logging.OrNop(cfg.Logger)
	cfg.Channel.Logger = logger.Named("channel")

	return &Manager{
		cfg:    cfg,
		hooks:  hooks,
		logger: logger,
		client: &http.Client{Timeout: 2 * time.Second},
		apiKey: cfg.APIKey,
	}, nil
}

// SetHooks replaces the lifecycle hooks. Call before Start.
func (m *Manager) SetHooks(h Hooks) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.hooks = h
}

// Channel returns the live channel, or nil when the runtime is down
func (m *Manager) Channel() *channel.Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ch
}

// Running reports whether the runtime process is alive
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc != nil && m.proc.alive()
}

// Port returns the port of the current process, or 0
func (m *Manager) Port() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil {
		return 0
	}
	return m.proc.port
}

// SetAPIKey stores the credential for future spawns and pushes it to a live runtime
func (m *Manager) SetAPIKey(key string) error {
	m.mu.Lock()
	m.apiKey = key
	ch := m.ch
	m.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.UpdateAPIKey(key)
}

// Start spawns the runtime and returns once it answers its health probe
func (m *Manager) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.started(m.startLocked(ctx))
}

// Restart tears down the process and channel, then starts again.
// force skips the graceful termination.
func (m *Manager) Restart(ctx context.Context, force bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.hooks.OnRestarting != nil {
		m.hooks.OnRestarting()
	}
	m.logger.Info("restarting runtime", zap.Bool("force", force))
	if err := m.stopLocked(ctx, force); err != nil {
		m.logger.Warn("stopping runtime for restart", zap.Error(err))
	}
	return m.started(m.startLocked(ctx))
}

func (m *Manager) started(err error) error {
	if err != nil && m.hooks.OnFailed != nil {
		m.hooks.OnFailed(err)
	}
	return err
}

// Stop terminates the runtime gracefully, killing it after the stop timeout
func (m *Manager) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.stopLocked(ctx, false)
}

func (m *Manager) startLocked(ctx context.Context) error {
	m.mu.Lock()
	if m.proc != nil && m.proc.alive() && m.ch != nil {
		m.mu.Unlock()
		return nil
	}
	apiKey := m.apiKey
	m.mu.Unlock()

	port := m.cfg.Port
	if port == 0 {
		p, err := allocatePort(m.cfg.Host)
		if err != nil {
			return fmt.Errorf("allocating runtime port: %w", err)
		}
		port = p
	}

	env, err := m.environment(port, apiKey)
	if err != nil {
		return err
	}

	proc, err := m.spawn(port, env)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	if err := m.waitHealthy(ctx, proc); err != nil {
		m.kill(proc)
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	// A previous connection must be gone before a new one exists
	m.mu.Lock()
	prev := m.ch
	m.ch = nil
	m.connSeq++
	seq := m.connSeq
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	url := fmt.Sprintf("ws://%s%s", net.JoinHostPort(m.cfg.Host, strconv.Itoa(port)), m.cfg.ChannelPath)
	ch, err := channel.Dial(ctx, url, seq, m.cfg.Channel)
	if err != nil {
		m.kill(proc)
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	m.mu.Lock()
	m.proc = proc
	m.ch = ch
	m.mu.Unlock()

	m.logger.Info("runtime ready",
		zap.Int("pid", proc.cmd.Process.Pid),
		zap.Int("port", port),
		zap.Uint64("conn", seq))

	if m.hooks.OnReady != nil {
		m.hooks.OnReady(ch)
	}
	return nil
}

func (m *Manager) stopLocked(ctx context.Context, force bool) error {
	m.mu.Lock()
	ch := m.ch
	proc := m.proc
	m.ch = nil
	m.proc = nil
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if proc == nil || !proc.alive() {
		return nil
	}

	if force {
		m.kill(proc)
		return nil
	}

	// Try graceful shutdown first
	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		m.kill(proc)
		return nil
	}

	select {
	case <-proc.exited:
		m.logger.Info("runtime stopped", zap.Int("pid", proc.cmd.Process.Pid))
		return nil
	case <-time.After(m.cfg.StopTimeout):
		m.logger.Warn("runtime ignored SIGTERM, killing", zap.Duration("timeout", m.cfg.StopTimeout))
		m.kill(proc)
		return nil
	case <-ctx.Done():
		m.kill(proc)
		return ctx.Err()
	}
}

func (m *Manager) kill(proc *process) {
	if err := proc.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.logger.Warn("killing runtime", zap.Error(err))
	}
	<-proc.exited // wait for the process to be reaped
}

func (m *Manager) spawn(port int, env []string) (*process, error) {
	cmd := exec.Command(m.cfg.Command[0], m.cfg.Command[1:]...)
	cmd.Dir = m.cfg.WorkDir
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", m.cfg.Command[0], err)
	}

	proc := &process{cmd: cmd, port: port, exited: make(chan struct{})}
	logger := m.logger.With(zap.Int("pid", cmd.Process.Pid))

	var wg sync.WaitGroup
	wg.Add(2)
	go m.forward(&wg, stdout, logger, zap.InfoLevel)
	go m.forward(&wg, stderr, logger, zap.WarnLevel)

	go func() {
		// Drain the pipes before Wait closes them
		wg.Wait()
		proc.exitErr = cmd.Wait()
		logger.Info("runtime exited", zap.NamedError("status", proc.exitErr))
		close(proc.exited)
	}()

	return proc, nil
}

// forward copies the runtime's own stdout/stderr into the log, line by line
func (m *Manager) forward(wg *sync.WaitGroup, r io.Reader, logger *zap.Logger, level zapcore.Level) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		logger.Check(level, "runtime: "+scanner.Text()).Write()
	}
}

// waitHealthy probes the health endpoint with exponential backoff.
// It gives up early when the process exits or ctx ends.
func (m *Manager) waitHealthy(ctx context.Context, proc *process) error {
	url := fmt.Sprintf("http://%s%s", net.JoinHostPort(m.cfg.Host, strconv.Itoa(proc.port)), m.cfg.HealthPath)

	var lastErr error
	for attempt := 0; attempt < m.cfg.HealthAttempts; attempt++ {
		if lastErr = m.probe(ctx, url); lastErr == nil {
			return nil
		}

		delay := calculateBackoff(attempt, m.cfg.InitialBackoff, m.cfg.MaxBackoff)
		m.logger.Debug("runtime not healthy yet",
			zap.Int("attempt", attempt+1),
			zap.Duration("retry_in", delay),
			zap.Error(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-proc.exited:
			return fmt.Errorf("runtime exited during startup: %v", proc.exitErr)
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("health probe failed after %d attempts: %w", m.cfg.HealthAttempts, lastErr)
}

func (m *Manager) probe(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

// environment builds the snapshot handed to the runtime
func (m *Manager) environment(port int, apiKey string) ([]string, error) {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				vars[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	if m.cfg.EnvFile != "" {
		fileVars, err := godotenv.Read(m.cfg.EnvFile)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading env file: %w", err)
		}
		for k, v := range fileVars {
			vars[k] = v
		}
	}
	for k, v := range m.cfg.Env {
		vars[k] = v
	}

	vars[PortEnv] = strconv.Itoa(port)
	if apiKey != "" && m.cfg.APIKeyEnv != "" {
		vars[m.cfg.APIKeyEnv] = apiKey
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env, nil
}

// allocatePort finds a free TCP port
func allocatePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}
