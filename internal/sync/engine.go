package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"

	"go.uber.org/zap"

	"github.com/matheus3301/sealdm/internal/bus"
	"github.com/matheus3301/sealdm/internal/transport"
	"github.com/matheus3301/sealdm/internal/wire"
)

// ErrNoRoom is returned when an operation needs an open room.
var ErrNoRoom = errors.New("sync: no room open")

// Conn is the live channel the engine drives.
type Conn interface {
	FrameSender
	Connect(ctx context.Context, room, token string) error
	Disconnect()
	Events() <-chan wire.Event
}

// Engine owns the current room. It switches rooms over the transport and
// routes every inbound event to the room it belongs to.
type Engine struct {
	conn   Conn
	opts   Options
	deps   Deps
	logger *zap.Logger

	openMu stdsync.Mutex // serializes Open/Leave
	mu     stdsync.RWMutex
	room   *Room

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates an engine. deps.Frames is ignored; rooms send through conn.
func NewEngine(conn Conn, opts Options, deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	deps.Frames = conn
	return &Engine{
		conn:   conn,
		opts:   opts,
		deps:   deps,
		logger: deps.Logger,
	}
}

// Start runs the dispatcher until ctx is canceled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go e.dispatch(ctx)
}

// Stop ends the dispatcher and closes the current room.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	e.Leave(context.Background())
}

// Current returns the open room or nil.
func (e *Engine) Current() *Room {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.room
}

func (e *Engine) swap(r *Room) *Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.room
	e.room = r
	return prev
}

// Open makes info the current room: the previous room flushes its queued
// receipts and closes, the channel switches, and the first page is loaded.
// A missing token fails immediately. A failed dial does not; the channel
// keeps retrying in the background and the room stays open. The room is
// also kept when the initial load fails, so a later Refresh can fill it.
func (e *Engine) Open(ctx context.Context, info RoomInfo, token string) (*Room, error) {
	e.openMu.Lock()
	defer e.openMu.Unlock()

	e.closeRoom(ctx, e.swap(nil))

	room := NewRoom(info, e.opts, e.deps)
	e.swap(room)
	err := e.conn.Connect(ctx, info.ID, token)
	switch {
	case errors.Is(err, transport.ErrNoToken):
		e.swap(nil)
		room.Close()
		return nil, err
	case err != nil:
		e.logger.Warn("room opened offline", zap.String("room", info.ID), zap.Error(err))
	}
	e.publish(bus.KindRoomOpened, info)

	if err := room.Load(ctx); err != nil {
		return room, err
	}
	e.logger.Info("room opened", zap.String("room", info.ID), zap.Bool("encrypted", info.Encrypted()))
	return room, nil
}

// Leave closes the current room and the channel.
func (e *Engine) Leave(ctx context.Context) {
	e.openMu.Lock()
	defer e.openMu.Unlock()
	if prev := e.swap(nil); prev != nil {
		e.closeRoom(ctx, prev)
		e.conn.Disconnect()
	}
}

func (e *Engine) closeRoom(ctx context.Context, r *Room) {
	if r == nil {
		return
	}
	if err := r.FlushReads(ctx); err != nil {
		e.logger.Warn("flush reads on close", zap.String("room", r.Info().ID), zap.Error(err))
	}
	r.Close()
}

// SendTyping pushes a typing indicator to the current room.
func (e *Engine) SendTyping(typing bool) error {
	r := e.Current()
	if r == nil {
		return ErrNoRoom
	}
	if err := e.conn.Send(r.Info().ID, wire.NewTypingFrame(typing)); err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context) {
	defer close(e.done)
	events := e.conn.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.route(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) route(ctx context.Context, ev wire.Event) {
	r := e.Current()
	if r == nil {
		return
	}
	roomID := r.Info().ID

	switch ev := ev.(type) {
	case wire.Frame:
		if ev.Room != roomID {
			e.logger.Debug("dropping frame for another room",
				zap.String("frame_room", ev.Room), zap.String("room", roomID), zap.Stringer("kind", ev.Kind()))
			return
		}
		e.routeFrame(r, ev.Event)
	case wire.ConnectionUp:
		if ev.Room != roomID {
			return
		}
		e.publish(bus.KindConnectionState, ConnectionEvent{RoomID: roomID, Up: true, Reconnect: ev.Reconnect})
		if ev.Reconnect {
			go func() {
				if err := r.Refresh(ctx); err != nil && !errors.Is(err, ErrRoomClosed) {
					e.logger.Warn("refresh after reconnect", zap.String("room", roomID), zap.Error(err))
				}
			}()
		}
	case wire.ConnectionDown:
		if ev.Room != roomID {
			return
		}
		ce := ConnectionEvent{RoomID: roomID}
		if ev.Err != nil {
			ce.Error = ev.Err.Error()
		}
		e.publish(bus.KindConnectionState, ce)
	}
}

// routeFrame applies a frame already known to belong to r.
func (e *Engine) routeFrame(r *Room, ev wire.Event) {
	roomID := r.Info().ID
	switch ev := ev.(type) {
	case wire.ChatMessage:
		if ev.Message == nil || (ev.Message.RoomID != "" && ev.Message.RoomID != roomID) {
			return
		}
		r.Handle(ev)
	case wire.MessageUpdate:
		if ev.Message == nil || (ev.Message.RoomID != "" && ev.Message.RoomID != roomID) {
			return
		}
		r.Handle(ev)
	case wire.MessageDelete, wire.ReadReceipt:
		r.Handle(ev)
	case wire.Typing:
		e.publish(bus.KindPeerTyping, PeerEvent{RoomID: roomID, UserID: ev.UserID, IsTyping: ev.IsTyping})
	case wire.UserStatus:
		e.publish(bus.KindPeerStatus, PeerEvent{RoomID: roomID, UserID: ev.UserID, Status: ev.Status})
	case wire.ServerError:
		e.logger.Warn("server error frame", zap.String("room", roomID), zap.String("message", ev.Message))
		e.publish(bus.KindServerError, ServerErrorEvent{RoomID: roomID, Message: ev.Message})
	}
}

func (e *Engine) publish(kind string, payload any) {
	if e.deps.Bus != nil {
		e.deps.Bus.Publish(bus.NewEvent(kind, payload))
	}
}
