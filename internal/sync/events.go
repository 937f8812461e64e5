package sync

import "github.com/matheus3301/sealdm/internal/model"

// MessageEvent is the payload of message added/updated/decrypt_failed
// events. PendingID names the optimistic entry an echo replaced.
type MessageEvent struct {
	RoomID    string         `json:"room_id"`
	Message   *model.Message `json:"message"`
	PendingID string         `json:"pending_id,omitempty"`
}

// RemovedEvent is the payload of message.removed.
type RemovedEvent struct {
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

// ReadEvent is the payload of message.read; IsRead false marks a rollback.
type ReadEvent struct {
	RoomID     string   `json:"room_id"`
	MessageIDs []string `json:"message_ids"`
	IsRead     bool     `json:"is_read"`
}

// SyncedEvent is the payload of room.synced.
type SyncedEvent struct {
	RoomID string `json:"room_id"`
	Count  int    `json:"count"`
	Fresh  bool   `json:"fresh"`
}

// PeerEvent is the payload of peer.typing and peer.status.
type PeerEvent struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing,omitempty"`
	Status   string `json:"status,omitempty"`
}

// ConnectionEvent is the payload of room.connection.
type ConnectionEvent struct {
	RoomID    string `json:"room_id"`
	Up        bool   `json:"up"`
	Reconnect bool   `json:"reconnect,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ServerErrorEvent is the payload of room.server_error.
type ServerErrorEvent struct {
	RoomID  string `json:"room_id"`
	Message string `json:"message"`
}
