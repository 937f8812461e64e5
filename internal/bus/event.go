package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds published by the daemon. Subscribers filter by namespace
// prefix ("status.", "message.", "room.", "peer.").
const (
	KindStatusChanged   = "status.changed"
	KindMessageAdded    = "message.added"
	KindMessageUpdated  = "message.updated"
	KindMessageRemoved  = "message.removed"
	KindMessageRead     = "message.read"
	KindDecryptFailed   = "message.decrypt_failed"
	KindRoomOpened      = "room.opened"
	KindRoomSynced      = "room.synced"
	KindPeerTyping      = "peer.typing"
	KindPeerStatus      = "peer.status"
	KindServerError     = "room.server_error"
	KindConnectionState = "room.connection"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(kind string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
