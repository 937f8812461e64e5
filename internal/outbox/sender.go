// Package outbox transmits composed messages over the socket and keeps the
// lookaside of sent-but-not-echoed plaintext in sealdm.db.
package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sealdm/internal/model"
	"github.com/matheus3301/sealdm/internal/store"
	"github.com/matheus3301/sealdm/internal/wire"
)

// DefaultRetention bounds how long an unechoed lookaside entry is kept.
const DefaultRetention = 7 * 24 * time.Hour

// FrameSender writes one frame to the room's socket.
type FrameSender interface {
	Send(room string, frame any) error
}

// Metrics receives send outcomes. A nil Metrics is allowed.
type Metrics interface {
	MessageSent(ok bool)
}

// Sender transmits pending messages and owns the lookaside.
type Sender struct {
	db        *store.DB
	tx        FrameSender
	logger    *zap.Logger
	metrics   Metrics
	retention time.Duration
	cancel    context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(db *store.DB, tx FrameSender, logger *zap.Logger, metrics Metrics) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:        db,
		tx:        tx,
		logger:    logger,
		metrics:   metrics,
		retention: DefaultRetention,
	}
}

// Start begins periodic pruning of stale lookaside entries.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the pruning loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	s.prune()
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.prune()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) prune() {
	n, err := s.db.PrunePending(time.Now().Add(-s.retention))
	if err != nil {
		s.logger.Warn("failed to prune lookaside", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("pruned stale lookaside entries", zap.Int64("count", n))
	}
}

// Transmit remembers msg's plaintext in the lookaside and writes the chat
// frame. A lookaside failure is logged and does not stop the send; a
// transport failure marks the entry failed and is returned.
func (s *Sender) Transmit(msg *model.Message) error {
	entry := &store.PendingSend{
		PendingID:               msg.ID,
		RoomID:                  msg.RoomID,
		MessageType:             string(msg.Type),
		Plaintext:               msg.Plaintext,
		EncryptedContent:        msg.EncryptedContent,
		EncryptedSessionKey:     msg.EncryptedSessionKey,
		SelfEncryptedSessionKey: msg.SelfEncryptedSessionKey,
		AssetID:                 msg.AssetID,
		ReplyTo:                 msg.ReplyToID,
		CreatedAt:               msg.CreatedAt.UnixMilli(),
	}
	if err := s.db.SavePending(entry); err != nil {
		s.logger.Warn("failed to persist lookaside entry", zap.Error(err), zap.String("pending_id", msg.ID))
	}

	frame := wire.NewChatFrame(wire.FromModel(msg))
	if err := s.tx.Send(msg.RoomID, frame); err != nil {
		s.logger.Error("failed to send message", zap.Error(err), zap.String("pending_id", msg.ID), zap.String("room", msg.RoomID))
		if dbErr := s.db.MarkPendingFailed(msg.ID, err.Error()); dbErr != nil {
			s.logger.Warn("failed to mark lookaside entry failed", zap.Error(dbErr), zap.String("pending_id", msg.ID))
		}
		s.observe(false)
		return err
	}

	if err := s.db.MarkPendingSent(msg.ID); err != nil {
		s.logger.Warn("failed to mark lookaside entry sent", zap.Error(err), zap.String("pending_id", msg.ID))
	}
	s.logger.Debug("message sent", zap.String("pending_id", msg.ID), zap.String("room", msg.RoomID))
	s.observe(true)
	return nil
}

// Forget drops the lookaside entry of a reconciled pending message.
func (s *Sender) Forget(pendingID string) {
	if err := s.db.DeletePending(pendingID); err != nil {
		s.logger.Warn("failed to delete lookaside entry", zap.Error(err), zap.String("pending_id", pendingID))
	}
}

// Recover returns the lookaside entry whose ciphertext matches an echo, so
// its plaintext survives a restart between send and echo.
func (s *Sender) Recover(roomID, ciphertext string) (*store.PendingSend, bool) {
	p, err := s.db.FindPendingByCiphertext(roomID, ciphertext)
	if err != nil {
		s.logger.Warn("lookaside lookup failed", zap.Error(err), zap.String("room", roomID))
		return nil, false
	}
	return p, p != nil
}

// Unconfirmed lists the room's entries that never saw an echo, oldest first.
func (s *Sender) Unconfirmed(roomID string) []store.PendingSend {
	list, err := s.db.PendingForRoom(roomID)
	if err != nil {
		s.logger.Warn("lookaside list failed", zap.Error(err), zap.String("room", roomID))
		return nil
	}
	return list
}

// Clear drops the whole lookaside (logout).
func (s *Sender) Clear() error {
	return s.db.ClearPending()
}

func (s *Sender) observe(ok bool) {
	if s.metrics != nil {
		s.metrics.MessageSent(ok)
	}
}
