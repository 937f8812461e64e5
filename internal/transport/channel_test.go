package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matheus3301/sealdm/internal/status"
	"github.com/matheus3301/sealdm/internal/wire"
)

type serverConn struct {
	conn *websocket.Conn
	path string
	recv chan []byte
}

type wsServer struct {
	*httptest.Server
	conns   chan *serverConn
	dials   atomic.Int32
	noRead  bool
	upgrade websocket.Upgrader
}

func newWSServer(t *testing.T, noRead bool) *wsServer {
	t.Helper()
	s := &wsServer{conns: make(chan *serverConn, 16), noRead: noRead}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dials.Add(1)
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrade.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{conn: conn, path: r.URL.Path, recv: make(chan []byte, 16)}
		s.conns <- sc
		if s.noRead {
			return
		}
		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					close(sc.recv)
					return
				}
				sc.recv <- data
			}
		}()
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *wsServer) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-s.conns:
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

type countingMetrics struct{ n atomic.Int32 }

func (m *countingMetrics) Reconnect() { m.n.Add(1) }

func newTestChannel(t *testing.T, s *wsServer, heartbeat time.Duration) (*Channel, *countingMetrics) {
	t.Helper()
	m := &countingMetrics{}
	c := New(Options{
		BaseURL:     s.wsURL(),
		Heartbeat:   heartbeat,
		MaxBackoff:  200 * time.Millisecond,
		SwitchDelay: 10 * time.Millisecond,
	}, status.NewConnection(nil), nil, m)
	c.backoffUnit = 20 * time.Millisecond
	t.Cleanup(func() { _ = c.Close() })
	return c, m
}

func nextEvent(t *testing.T, c *Channel) wire.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestBackoff(t *testing.T) {
	max := 30 * time.Second
	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30}
	prev := time.Duration(0)
	for i, w := range want {
		got := Backoff(i+1, max)
		if got != w*time.Second {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w*time.Second)
		}
		if got < prev {
			t.Errorf("Backoff(%d) = %v decreased from %v", i+1, got, prev)
		}
		prev = got
	}
	if got := Backoff(1000, max); got != max {
		t.Errorf("Backoff(1000) = %v, want cap", got)
	}
	if got := Backoff(0, max); got != time.Second {
		t.Errorf("Backoff(0) = %v, want 1s", got)
	}
}

func TestConnectWithoutToken(t *testing.T) {
	s := newWSServer(t, false)
	c, _ := newTestChannel(t, s, time.Second)
	if err := c.Connect(context.Background(), "r1", ""); !errors.Is(err, ErrNoToken) {
		t.Fatalf("Connect() error = %v, want ErrNoToken", err)
	}
	if c.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", c.State())
	}
	if s.dials.Load() != 0 {
		t.Error("dialed without a token")
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	s := newWSServer(t, false)
	c, _ := newTestChannel(t, s, time.Second)
	if err := c.Send("r1", wire.NewTypingFrame(true)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestConnectSendReceive(t *testing.T) {
	s := newWSServer(t, false)
	c, _ := newTestChannel(t, s, time.Second)
	ctx := context.Background()

	if err := c.Connect(ctx, "room 1", "tok"); err != nil {
		t.Fatal(err)
	}
	sc := s.accept(t)
	if sc.path != "/ws/chat/room%201/" && sc.path != "/ws/chat/room 1/" {
		t.Errorf("path = %q", sc.path)
	}
	up, ok := nextEvent(t, c).(wire.ConnectionUp)
	if !ok || up.Reconnect || up.Room != "room 1" {
		t.Fatalf("first event = %#v, want initial ConnectionUp", up)
	}
	if c.State() != status.Connected {
		t.Fatalf("state = %s, want CONNECTED", c.State())
	}

	if err := c.Send("room 1", wire.NewTypingFrame(true)); err != nil {
		t.Fatal(err)
	}
	select {
	case data := <-sc.recv:
		if !strings.Contains(string(data), `"type":"typing"`) {
			t.Errorf("server got %s", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not receive frame")
	}
	if err := c.Send("other", wire.NewTypingFrame(true)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() to another room error = %v, want ErrNotConnected", err)
	}

	_ = sc.conn.WriteMessage(websocket.TextMessage, []byte("not json"))
	_ = sc.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","user":{"id":7},"is_typing":true}`))
	f, ok := nextEvent(t, c).(wire.Frame)
	if !ok || f.Room != "room 1" {
		t.Fatalf("event = %#v, want a frame tagged with room 1", f)
	}
	typing, ok := f.Event.(wire.Typing)
	if !ok || !typing.IsTyping || typing.UserID != "7" {
		t.Errorf("event = %#v, want Typing from 7", typing)
	}
}

func TestReconnectAfterServerClose(t *testing.T) {
	s := newWSServer(t, false)
	c, m := newTestChannel(t, s, time.Second)
	if err := c.Connect(context.Background(), "r1", "tok"); err != nil {
		t.Fatal(err)
	}
	sc := s.accept(t)
	nextEvent(t, c)

	_ = sc.conn.Close()
	down, ok := nextEvent(t, c).(wire.ConnectionDown)
	if !ok || down.Room != "r1" {
		t.Fatalf("event = %#v, want ConnectionDown", down)
	}

	s.accept(t)
	up, ok := nextEvent(t, c).(wire.ConnectionUp)
	if !ok || !up.Reconnect {
		t.Fatalf("event = %#v, want ConnectionUp{Reconnect: true}", up)
	}
	if m.n.Load() != 1 {
		t.Errorf("reconnects = %d, want 1", m.n.Load())
	}
}

func TestRoomSwitchClosesPrevious(t *testing.T) {
	s := newWSServer(t, false)
	c, _ := newTestChannel(t, s, time.Second)
	ctx := context.Background()

	if err := c.Connect(ctx, "a", "tok"); err != nil {
		t.Fatal(err)
	}
	first := s.accept(t)
	nextEvent(t, c)

	if err := c.Connect(ctx, "b", "tok"); err != nil {
		t.Fatal(err)
	}
	s.accept(t)
	up, ok := nextEvent(t, c).(wire.ConnectionUp)
	if !ok || up.Room != "b" || up.Reconnect {
		t.Fatalf("event = %#v, want ConnectionUp for b", up)
	}

	select {
	case _, open := <-first.recv:
		if open {
			t.Error("old socket delivered data after switch")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("old socket not closed")
	}
	if err := c.Send("a", wire.NewTypingFrame(false)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send(a) error = %v, want ErrNotConnected", err)
	}
	if err := c.Send("b", wire.NewTypingFrame(false)); err != nil {
		t.Errorf("Send(b) error = %v", err)
	}
}

func TestFramesAfterSwitchCarryNewRoom(t *testing.T) {
	s := newWSServer(t, false)
	c, _ := newTestChannel(t, s, time.Second)
	ctx := context.Background()

	if err := c.Connect(ctx, "a", "tok"); err != nil {
		t.Fatal(err)
	}
	first := s.accept(t)
	nextEvent(t, c)

	if err := c.Connect(ctx, "b", "tok"); err != nil {
		t.Fatal(err)
	}
	second := s.accept(t)
	nextEvent(t, c)

	// The old socket is closed; anything it still writes must not surface.
	_ = first.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","user_id":"1","is_typing":true}`))
	_ = second.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"typing","user_id":"2","is_typing":true}`))

	f, ok := nextEvent(t, c).(wire.Frame)
	if !ok || f.Room != "b" {
		t.Fatalf("event = %#v, want frame for b", f)
	}
	if typing, ok := f.Event.(wire.Typing); !ok || typing.UserID != "2" {
		t.Errorf("event = %#v, want typing from the new room's socket", f.Event)
	}
}

func TestDisconnectIsIdempotentAndStopsRetries(t *testing.T) {
	s := newWSServer(t, false)
	c, _ := newTestChannel(t, s, time.Second)
	if err := c.Connect(context.Background(), "r1", "tok"); err != nil {
		t.Fatal(err)
	}
	s.accept(t)
	nextEvent(t, c)

	c.Disconnect()
	c.Disconnect()
	if c.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", c.State())
	}
	if c.Room() != "" {
		t.Errorf("room = %q after disconnect", c.Room())
	}
	time.Sleep(150 * time.Millisecond)
	if n := s.dials.Load(); n != 1 {
		t.Errorf("dials = %d after disconnect, want 1", n)
	}
	select {
	case ev := <-c.Events():
		t.Errorf("unexpected event after disconnect: %#v", ev)
	default:
	}
}

func TestDialFailureIsRetried(t *testing.T) {
	s := newWSServer(t, false)
	c, _ := newTestChannel(t, s, time.Second)
	c.opts.BaseURL = "ws://127.0.0.1:1"

	err := c.Connect(context.Background(), "r1", "tok")
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectFailed", err)
	}
	if c.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", c.State())
	}

	c.mu.Lock()
	c.opts.BaseURL = s.wsURL()
	c.mu.Unlock()
	s.accept(t)
	up, ok := nextEvent(t, c).(wire.ConnectionUp)
	if !ok || !up.Reconnect {
		t.Fatalf("event = %#v, want ConnectionUp{Reconnect: true}", up)
	}
}

func TestMissingPongDropsConnection(t *testing.T) {
	s := newWSServer(t, true)
	c, _ := newTestChannel(t, s, 50*time.Millisecond)
	if err := c.Connect(context.Background(), "r1", "tok"); err != nil {
		t.Fatal(err)
	}
	s.accept(t)
	nextEvent(t, c)

	if _, ok := nextEvent(t, c).(wire.ConnectionDown); !ok {
		t.Fatal("connection survived without pongs")
	}
}

func TestPongsKeepConnectionAlive(t *testing.T) {
	s := newWSServer(t, false)
	c, _ := newTestChannel(t, s, 30*time.Millisecond)
	if err := c.Connect(context.Background(), "r1", "tok"); err != nil {
		t.Fatal(err)
	}
	s.accept(t)
	nextEvent(t, c)

	time.Sleep(300 * time.Millisecond)
	if c.State() != status.Connected {
		t.Errorf("state = %s after several heartbeats, want CONNECTED", c.State())
	}
}
