// Package transport owns the single WebSocket channel to the chat server.
// One room is connected at a time; unexpected drops are retried with
// exponential backoff and every connection edge is reported on the same
// event stream as inbound frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/sealdm/internal/status"
	"github.com/matheus3301/sealdm/internal/wire"
)

var (
	// ErrNoToken is a hard failure: there is nothing to retry without credentials.
	ErrNoToken = errors.New("transport: no access token")
	// ErrNotConnected is returned by Send unless the channel is connected to the room.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrConnectFailed wraps dial errors.
	ErrConnectFailed = errors.New("transport: connect failed")
)

const (
	writeWait      = 10 * time.Second
	eventBuffer    = 256
	dialTimeout    = 15 * time.Second
	maxBackoffStep = 30
)

// Options configures a Channel.
type Options struct {
	// BaseURL is the ws:// or wss:// origin; /ws/chat/{room}/ is appended.
	BaseURL     string
	Heartbeat   time.Duration
	MaxBackoff  time.Duration
	SwitchDelay time.Duration
}

// Metrics receives reconnect counts. A nil Metrics is allowed.
type Metrics interface {
	Reconnect()
}

type session struct {
	conn *websocket.Conn
	stop chan struct{}
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.stop)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

// Channel is the singleton WebSocket connection.
type Channel struct {
	opts    Options
	dialer  *websocket.Dialer
	logger  *zap.Logger
	state   *status.Machine
	metrics Metrics
	events  chan wire.Event

	// backoffUnit is the first reconnect delay; tests shrink it.
	backoffUnit time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sess      *session
	room      string
	token     string
	gen       uint64
	attempt   int
	reconnect *time.Timer

	writeMu sync.Mutex
}

// New creates a disconnected channel. state must be a connection machine.
func New(opts Options, state *status.Machine, logger *zap.Logger, metrics Metrics) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		opts:        opts,
		dialer:      &websocket.Dialer{HandshakeTimeout: dialTimeout},
		logger:      logger,
		state:       state,
		metrics:     metrics,
		events:      make(chan wire.Event, eventBuffer),
		backoffUnit: time.Second,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Events delivers inbound frames, each wrapped in a wire.Frame naming its
// room, and ConnectionUp/ConnectionDown edges in arrival order. Frames read
// after a room switch or disconnect are dropped.
func (c *Channel) Events() <-chan wire.Event { return c.events }

// State returns the connection state.
func (c *Channel) State() status.State { return c.state.Current() }

// Room returns the room the channel is bound to, connected or not.
func (c *Channel) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Connect binds the channel to room and dials it. Switching rooms tears down
// the previous socket and waits SwitchDelay before dialing. A failed dial is
// returned and also retried in the background.
func (c *Channel) Connect(ctx context.Context, room, token string) error {
	if token == "" {
		return ErrNoToken
	}

	c.mu.Lock()
	if c.sess != nil && c.room == room && c.token == token && c.state.Is(status.Connected) {
		c.mu.Unlock()
		return nil
	}
	switching := c.sess != nil
	c.teardownLocked()
	c.room, c.token = room, token
	c.attempt = 0
	g := c.gen
	c.mu.Unlock()

	if switching && c.opts.SwitchDelay > 0 {
		select {
		case <-time.After(c.opts.SwitchDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.dial(ctx, g, false)
}

// Send writes one JSON frame. It never queues: anything but a live
// connection to room fails with ErrNotConnected.
func (c *Channel) Send(room string, frame any) error {
	c.mu.Lock()
	sess := c.sess
	ok := sess != nil && c.room == room && c.state.Is(status.Connected)
	c.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := sess.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}
	return nil
}

// Disconnect cancels any pending reconnect, closes the socket and forgets
// the room and token. It is idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.room, c.token = "", ""
}

// Close disconnects and stops background reconnects for good.
func (c *Channel) Close() error {
	c.Disconnect()
	c.cancel()
	return nil
}

// teardownLocked invalidates every goroutine of the current generation.
func (c *Channel) teardownLocked() {
	c.gen++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.sess != nil {
		c.sess.close()
		c.sess = nil
	}
	switch c.state.Current() {
	case status.Connected, status.Connecting:
		_ = c.state.Transition(status.Disconnected)
	}
}

func (c *Channel) dial(ctx context.Context, g uint64, reconnect bool) error {
	c.mu.Lock()
	if g != c.gen {
		c.mu.Unlock()
		return fmt.Errorf("%w: superseded", ErrConnectFailed)
	}
	if err := c.state.Transition(status.Connecting); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	room, target := c.room, c.url(c.room, c.token)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, target, nil)
	cancel()

	c.mu.Lock()
	if g != c.gen {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return fmt.Errorf("%w: superseded", ErrConnectFailed)
	}
	if err != nil {
		_ = c.state.Transition(status.Disconnected)
		c.scheduleReconnectLocked(g)
		c.mu.Unlock()
		c.logger.Warn("websocket dial failed", zap.String("room", room), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	sess := &session{conn: conn, stop: make(chan struct{})}
	c.sess = sess
	c.attempt = 0
	_ = c.state.Transition(status.Connected)
	c.mu.Unlock()

	deadline := 2 * c.opts.Heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	c.logger.Info("websocket connected", zap.String("room", room), zap.Bool("reconnect", reconnect))
	c.emit(wire.ConnectionUp{Room: room, Reconnect: reconnect})

	go c.readLoop(sess, g, room)
	go c.pingLoop(sess)
	return nil
}

func (c *Channel) readLoop(sess *session, g uint64, room string) {
	deadline := 2 * c.opts.Heartbeat
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			c.handleClose(sess, g, room, err)
			return
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(deadline))

		ev, err := wire.Decode(data)
		if err != nil {
			c.logger.Debug("dropping malformed frame", zap.String("room", room), zap.Error(err))
			continue
		}
		if !c.current(g) {
			c.logger.Debug("dropping frame from superseded socket", zap.String("room", room))
			return
		}
		c.emit(wire.Frame{Room: room, Event: ev})
	}
}

func (c *Channel) current(g uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return g == c.gen
}

func (c *Channel) pingLoop(sess *session) {
	ticker := time.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-sess.stop:
			return
		}
	}
}

func (c *Channel) handleClose(sess *session, g uint64, room string, cause error) {
	c.mu.Lock()
	if g != c.gen || c.sess != sess {
		// Intentional teardown.
		c.mu.Unlock()
		return
	}
	sess.close()
	c.sess = nil
	_ = c.state.Transition(status.Disconnected)
	c.scheduleReconnectLocked(g)
	c.mu.Unlock()

	c.logger.Warn("websocket closed", zap.String("room", room), zap.Error(cause))
	c.emit(wire.ConnectionDown{Room: room, Err: cause})
}

// scheduleReconnectLocked arms at most one reconnect timer.
func (c *Channel) scheduleReconnectLocked(g uint64) {
	if c.reconnect != nil || c.ctx.Err() != nil {
		return
	}
	c.attempt++
	delay := backoff(c.attempt, c.backoffUnit, c.opts.MaxBackoff)
	if c.metrics != nil {
		c.metrics.Reconnect()
	}
	c.logger.Info("reconnect scheduled",
		zap.String("room", c.room), zap.Int("attempt", c.attempt), zap.Duration("delay", delay))

	c.reconnect = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if g != c.gen {
			c.mu.Unlock()
			return
		}
		c.reconnect = nil
		c.mu.Unlock()
		_ = c.dial(c.ctx, g, true)
	})
}

func (c *Channel) emit(ev wire.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Channel) url(room, token string) string {
	base := strings.TrimRight(c.opts.BaseURL, "/")
	return fmt.Sprintf("%s/ws/chat/%s/?token=%s", base, url.PathEscape(room), url.QueryEscape(token))
}

// Backoff returns the reconnect delay for attempt (1-based):
// min(2^(attempt-1) seconds, maxDelay).
func Backoff(attempt int, maxDelay time.Duration) time.Duration {
	return backoff(attempt, time.Second, maxDelay)
}

func backoff(attempt int, unit, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxBackoffStep {
		return maxDelay
	}
	d := unit << (attempt - 1)
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}
