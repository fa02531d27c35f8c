// Package channel carries cell source and control commands to the script
// runtime over one WebSocket connection and streams its events back.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/cellrun/internal/logging"
	"github.com/hochfrequenz/cellrun/internal/protocol"
)

var (
	// ErrSingleFlight is returned by Submit while another submission is outstanding
	ErrSingleFlight = errors.New("another cell is still executing")
	// ErrDisconnected means the runtime connection was lost
	ErrDisconnected = errors.New("runtime connection lost")
	// ErrClosed means the channel was closed locally
	ErrClosed = errors.New("channel closed")
)

// writeWait is time allowed to write a frame
const writeWait = 10 * time.Second

// Event is a runtime event tagged with the connection it arrived on
type Event struct {
	ConnID  uint64
	Payload protocol.Event
}

// Options tunes a channel
type Options struct {
	Logger *zap.Logger
	// PingInterval enables client keepalive pings when non-zero. The runtime
	// must answer within PongWait or the connection counts as lost.
	PingInterval time.Duration
	PongWait     time.Duration
}

// Channel is one logical duplex stream to the runtime
type Channel struct {
	id     uint64
	conn   *websocket.Conn
	logger *zap.Logger
	opts   Options

	writeMu sync.Mutex

	mu          sync.Mutex
	outstanding string // cell id of the in-flight submission

	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the runtime's channel endpoint
func Dial(ctx context.Context, url string, id uint64, opts Options) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return New(conn, id, opts), nil
}

// New wraps an established connection and starts reading from it
func New(conn *websocket.Conn, id uint64, opts Options) *Channel {
	c := &Channel{
		id:     id,
		conn:   conn,
		logger: logging.OrNop(opts.Logger).With(zap.Uint64("conn", id)),
		opts:   opts,
		events: make(chan Event, 64),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	if opts.PingInterval > 0 {
		if c.opts.PongWait <= 0 {
			c.opts.PongWait = 3 * opts.PingInterval
		}
		conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		})
		go c.pingLoop()
	}

	go c.readLoop()
	return c
}

// ID returns the connection identity. Ids increase with every reconnect.
func (c *Channel) ID() uint64 {
	return c.id
}

// Events returns the event stream. It is closed after the connection ends;
// an unexpected end is reported by a final protocol.Disconnected event.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Outstanding returns the cell id of the in-flight submission, if any
func (c *Channel) Outstanding() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// Submit streams a cell's source as framed lines.
// It is rejected while another submission is outstanding.
func (c *Channel) Submit(cellID, source string) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.mu.Lock()
	if c.outstanding != "" {
		busy := c.outstanding
		c.mu.Unlock()
		return fmt.Errorf("%w: cell %s", ErrSingleFlight, busy)
	}
	c.outstanding = cellID
	c.mu.Unlock()

	// Hold the write lock across the whole body so frames stay contiguous
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for _, cmd := range protocol.FrameSource(cellID, source) {
		if err := c.writeLocked(cmd); err != nil {
			c.clearOutstanding(cellID)
			return err
		}
	}

	c.logger.Debug("cell submitted", zap.String("cell", cellID))
	return nil
}

// Stop sends a best-effort abort for the running cell. It does not wait for
// the runtime to acknowledge; the caller decides the cell's local state.
// The submission stays outstanding until its cell_end arrives or the
// connection ends.
func (c *Channel) Stop() error {
	return c.send(protocol.StopExecution{})
}

// UpdateAPIKey pushes a new credential to the runtime out of band
func (c *Channel) UpdateAPIKey(key string) error {
	return c.send(protocol.UpdateAPIKey{Data: key})
}

// Close ends the connection and waits for the reader to exit.
// Events from a closed channel end without a Disconnected event.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Channel) send(cmd protocol.Command) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(cmd)
}

func (c *Channel) writeLocked(cmd protocol.Command) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrDisconnected, cmd.Name(), err)
	}
	return nil
}

func (c *Channel) clearOutstanding(cellID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outstanding == cellID {
		c.outstanding = ""
	}
}

func (c *Channel) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			c.mu.Lock()
			c.outstanding = ""
			c.mu.Unlock()
			c.logger.Warn("runtime connection lost", zap.Error(err))
			c.deliver(protocol.Disconnected{Err: fmt.Errorf("%w: %v", ErrDisconnected, err)})
			return
		}

		if c.opts.PingInterval > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		}

		ev, err := protocol.DecodeEvent(message)
		if err != nil {
			c.logger.Warn("invalid runtime event", zap.Error(err))
			continue
		}

		if end, ok := ev.(protocol.CellEnd); ok {
			c.clearOutstanding(end.CellID)
		}

		if !c.deliver(ev) {
			return
		}
	}
}

// deliver hands an event to the consumer unless the channel is closing
func (c *Channel) deliver(ev protocol.Event) bool {
	select {
	case c.events <- Event{ConnID: c.id, Payload: ev}:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}
