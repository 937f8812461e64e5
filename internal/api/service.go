package api

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/sealdm/internal/bus"
	"github.com/matheus3301/sealdm/internal/e2ee"
	"github.com/matheus3301/sealdm/internal/keys"
	"github.com/matheus3301/sealdm/internal/model"
	"github.com/matheus3301/sealdm/internal/status"
	intsync "github.com/matheus3301/sealdm/internal/sync"
)

// KeyService is the key manager as seen by the control API.
type KeyService interface {
	e2ee.KeySource
	HasKey() (bool, error)
	Register(ctx context.Context, dir keys.Directory, password string, info keys.DeviceInfo) (*keys.DeviceRegistration, error)
	Transfer(ctx context.Context, dir keys.Directory, sourceDeviceID, password string, info keys.DeviceInfo) (*keys.DeviceRegistration, error)
	DeviceFingerprint(info keys.DeviceInfo) (string, error)
	Delete() error
}

// Session holds the unlocked password for message crypto.
type Session interface {
	Unlock(ks e2ee.KeySource, password string) error
	Lock()
	Unlocked() bool
}

// Rooms is the sync engine as seen by the control API.
type Rooms interface {
	Open(ctx context.Context, info intsync.RoomInfo, token string) (*intsync.Room, error)
	Current() *intsync.Room
	Leave(ctx context.Context)
	SendTyping(typing bool) error
}

// Deps are the collaborators of the control service.
type Deps struct {
	Account   string
	SelfID    string
	Device    keys.DeviceInfo
	Auth      *status.Machine
	Conn      *status.Machine
	Keys      KeyService
	Session   Session
	Directory keys.Directory
	Rooms     Rooms
	Bus       *bus.Bus
	Token     func() (string, error)
	// Purge wipes local message state on logout.
	Purge  func() error
	Logger *zap.Logger
}

// Service implements ControlServer.
type Service struct {
	deps      Deps
	startedAt time.Time
	logger    *zap.Logger
}

var _ ControlServer = (*Service)(nil)

// NewService creates the control service.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{deps: deps, startedAt: time.Now(), logger: logger}
}

type statusReply struct {
	Account    string       `json:"account"`
	SelfID     string       `json:"self_id"`
	Auth       status.State `json:"auth"`
	Connection status.State `json:"connection"`
	HasKey     bool         `json:"has_key"`
	Unlocked   bool         `json:"unlocked"`
	RoomID     string       `json:"room_id,omitempty"`
	Encrypted  bool         `json:"encrypted,omitempty"`
	LastSynced string       `json:"last_synced_at,omitempty"`
	UptimeMs   int64        `json:"uptime_ms"`
}

func (s *Service) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	reply := statusReply{
		Account:    s.deps.Account,
		SelfID:     s.deps.SelfID,
		Auth:       s.deps.Auth.Current(),
		Connection: s.deps.Conn.Current(),
		Unlocked:   s.deps.Session.Unlocked(),
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
	}
	if has, err := s.deps.Keys.HasKey(); err == nil {
		reply.HasKey = has
	}
	if r := s.deps.Rooms.Current(); r != nil {
		reply.RoomID = r.Info().ID
		reply.Encrypted = r.Info().Encrypted()
		if t := r.LastSynced(); !t.IsZero() {
			reply.LastSynced = t.UTC().Format(time.RFC3339)
		}
	}
	return toStruct(reply)
}

type deviceReply struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
}

func (s *Service) InitKeys(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	password := stringField(in, "password")
	if password == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "password is required")
	}
	reg, err := s.deps.Keys.Register(ctx, s.deps.Directory, password, s.deps.Device)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.unlock(password); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(deviceReply{DeviceID: reg.DeviceID, Fingerprint: reg.Fingerprint, PublicKey: reg.PublicKey})
}

func (s *Service) TransferKeys(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	source, password := stringField(in, "source_device_id"), stringField(in, "password")
	if source == "" || password == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "source_device_id and password are required")
	}
	reg, err := s.deps.Keys.Transfer(ctx, s.deps.Directory, source, password, s.deps.Device)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.unlock(password); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(deviceReply{DeviceID: reg.DeviceID, Fingerprint: reg.Fingerprint, PublicKey: reg.PublicKey})
}

func (s *Service) Unlock(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	password := stringField(in, "password")
	if password == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "password is required")
	}
	if err := s.unlock(password); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"auth": s.deps.Auth.Current()})
}

// unlock drives the auth machine around a password check.
func (s *Service) unlock(password string) error {
	if s.deps.Auth.Is(status.Authenticated) {
		return s.deps.Session.Unlock(s.deps.Keys, password)
	}
	if !s.deps.Auth.TransitionFrom(status.Unauthenticated, status.Authenticating) {
		return grpcstatus.Error(codes.Aborted, "authentication already in progress")
	}
	if err := s.deps.Session.Unlock(s.deps.Keys, password); err != nil {
		_ = s.deps.Auth.Transition(status.Unauthenticated)
		s.logger.Warn("unlock failed", zap.Error(err))
		return err
	}
	_ = s.deps.Auth.Transition(status.Authenticated)
	s.logger.Info("session unlocked")
	return nil
}

// Logout closes the room, forgets the password, wipes cached plaintext and
// the lookaside, and deletes the local private key.
func (s *Service) Logout(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.deps.Rooms.Leave(ctx)
	s.deps.Session.Lock()
	var errs []error
	if s.deps.Purge != nil {
		errs = append(errs, s.deps.Purge())
	}
	errs = append(errs, s.deps.Keys.Delete())
	if s.deps.Auth.Is(status.Authenticated) {
		_ = s.deps.Auth.Transition(status.Unauthenticated)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("logged out")
	return &structpb.Struct{}, nil
}

type roomReply struct {
	RoomID    string        `json:"room_id"`
	Encrypted bool          `json:"encrypted"`
	Messages  []MessageView `json:"messages"`
	HasMore   bool          `json:"has_more"`
	Warning   string        `json:"warning,omitempty"`
}

func (s *Service) OpenRoom(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	info := intsync.RoomInfo{ID: stringField(in, "room_id"), PeerID: stringField(in, "peer_id")}
	if info.ID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "room_id is required")
	}
	if info.Encrypted() && !s.deps.Session.Unlocked() {
		return nil, grpcstatus.Error(codes.FailedPrecondition, "unlock the private key before opening a direct room")
	}
	token, err := s.deps.Token()
	if err != nil {
		return nil, toStatus(err)
	}
	room, err := s.deps.Rooms.Open(ctx, info, token)
	if room == nil {
		return nil, toStatus(err)
	}
	reply, serr := s.roomReply(ctx, room)
	if serr != nil {
		return nil, toStatus(serr)
	}
	if err != nil {
		reply.Warning = err.Error()
	}
	return toStruct(reply)
}

func (s *Service) roomReply(ctx context.Context, room *intsync.Room) (roomReply, error) {
	msgs, err := room.Snapshot(ctx)
	if err != nil {
		return roomReply{}, err
	}
	more, err := room.HasMore(ctx)
	if err != nil {
		return roomReply{}, err
	}
	return roomReply{
		RoomID:    room.Info().ID,
		Encrypted: room.Info().Encrypted(),
		Messages:  viewsOf(msgs),
		HasMore:   more,
	}, nil
}

func (s *Service) room() (*intsync.Room, error) {
	r := s.deps.Rooms.Current()
	if r == nil {
		return nil, toStatus(intsync.ErrNoRoom)
	}
	return r, nil
}

type sendReply struct {
	Message MessageView `json:"message"`
	Error   string      `json:"error,omitempty"`
}

// sent reports a transmit failure in the reply rather than as an RPC error:
// the message is kept locally with status failed and can be resent by ID.
func sent(msg *model.Message, err error) (*structpb.Struct, error) {
	if msg == nil {
		return nil, toStatus(err)
	}
	reply := sendReply{Message: viewOf(msg)}
	if err != nil {
		reply.Error = err.Error()
	}
	return toStruct(reply)
}

func (s *Service) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.room()
	if err != nil {
		return nil, err
	}
	text := stringField(in, "text")
	if text == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "text is required")
	}
	return sent(r.Send(ctx, text, intsync.SendOptions{
		Type:    model.MessageType(stringField(in, "message_type")),
		AssetID: stringField(in, "asset_id"),
		ReplyTo: stringField(in, "reply_to"),
	}))
}

func (s *Service) Resend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.room()
	if err != nil {
		return nil, err
	}
	return sent(r.Resend(ctx, stringField(in, "id")))
}

func (s *Service) Messages(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.room()
	if err != nil {
		return nil, err
	}
	reply, err := s.roomReply(ctx, r)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(reply)
}

func (s *Service) LoadOlder(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.room()
	if err != nil {
		return nil, err
	}
	added, err := r.LoadOlder(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	more, err := r.HasMore(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"added": added, "has_more": more})
}

func (s *Service) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.room()
	if err != nil {
		return nil, err
	}
	queued, err := r.MarkVisible(ctx, stringList(in, "ids"))
	if err != nil {
		return nil, toStatus(err)
	}
	if boolField(in, "flush") {
		if err := r.FlushReads(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	return toStruct(map[string]any{"queued": queued})
}

func (s *Service) Edit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.room()
	if err != nil {
		return nil, err
	}
	msg, err := r.Edit(ctx, stringField(in, "id"), stringField(in, "text"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"message": viewOf(msg)})
}

func (s *Service) Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.room()
	if err != nil {
		return nil, err
	}
	if err := r.Delete(ctx, stringField(in, "id")); err != nil {
		return nil, toStatus(err)
	}
	return &structpb.Struct{}, nil
}

func (s *Service) RetryDecryption(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	r, err := s.room()
	if err != nil {
		return nil, err
	}
	n, err := r.RetryDecryption(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"retried": n})
}

type deviceInfoReply struct {
	Fingerprint string          `json:"fingerprint"`
	Device      keys.DeviceInfo `json:"device"`
}

// Device reports the fingerprint this host presents when registering.
func (s *Service) Device(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	fp, err := s.deps.Keys.DeviceFingerprint(s.deps.Device)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(deviceInfoReply{Fingerprint: fp, Device: s.deps.Device})
}

// Typing is best-effort; it fails only when no room is open.
func (s *Service) Typing(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.room(); err != nil {
		return nil, err
	}
	if err := s.deps.Rooms.SendTyping(boolField(in, "typing")); err != nil {
		s.logger.Debug("typing frame dropped", zap.Error(err))
	}
	return &structpb.Struct{}, nil
}

// WatchEvents streams bus events whose kind starts with the requested
// prefix; an empty prefix streams everything.
func (s *Service) WatchEvents(in *structpb.Struct, stream Control_WatchEventsServer) error {
	ch, unsub := s.deps.Bus.Subscribe(stringField(in, "prefix"), 256)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			out, err := eventStruct(evt)
			if err != nil {
				s.logger.Warn("dropping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
