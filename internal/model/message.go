package model

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MessageType is the kind of payload a message carries.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeImage  MessageType = "image"
	TypeFile   MessageType = "file"
	TypeSystem MessageType = "system"
)

// Status is the client-side delivery state of an own message.
type Status string

const (
	StatusNone    Status = ""
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// PendingPrefix marks locally generated message IDs.
const PendingPrefix = "pending-"

// Message is a direct-message record as seen by the client.
type Message struct {
	ID       string      `json:"id"`
	RoomID   string      `json:"room_id"`
	SenderID string      `json:"sender_id"`
	Type     MessageType `json:"message_type"`

	Content                 string `json:"content,omitempty"`
	EncryptedContent        string `json:"encrypted_content,omitempty"`
	EncryptedSessionKey     string `json:"encrypted_session_key,omitempty"`
	SelfEncryptedSessionKey string `json:"self_encrypted_session_key,omitempty"`

	AssetID   string    `json:"asset_id,omitempty"`
	ReplyToID string    `json:"reply_to,omitempty"`
	IsRead    bool      `json:"is_read"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Client-side only.
	Status        Status `json:"status,omitempty"`
	Plaintext     string `json:"plaintext,omitempty"`
	DecryptFailed bool   `json:"decrypt_failed,omitempty"`
}

// Sealed holds the output of hybrid encryption for one message.
type Sealed struct {
	EncryptedContent        string
	EncryptedSessionKey     string
	SelfEncryptedSessionKey string
}

// IsEncrypted reports whether the message carries ciphertext.
func (m *Message) IsEncrypted() bool {
	return m.EncryptedContent != ""
}

// IsHybrid reports whether the message uses a wrapped session key.
func (m *Message) IsHybrid() bool {
	return m.EncryptedSessionKey != ""
}

// IsPending reports whether the message still carries a local ID.
func (m *Message) IsPending() bool {
	return strings.HasPrefix(m.ID, PendingPrefix)
}

// Text returns the best displayable text for the message.
func (m *Message) Text() string {
	if m.Plaintext != "" {
		return m.Plaintext
	}
	return m.Content
}

// Clone returns a shallow copy.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// NewPendingID returns a locally unique ID: prefix, unix millis, random suffix.
func NewPendingID(now time.Time) string {
	return fmt.Sprintf("%s%d-%s", PendingPrefix, now.UnixMilli(), uuid.NewString()[:8])
}

// SortByCreated orders messages by server timestamp, ties broken by ID.
func SortByCreated(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// Page is one page of a room's history, newest first as served.
type Page struct {
	Messages []*Message
	HasNext  bool
}

// Edit is the replacement body of an edited message: Content for plaintext
// rooms, the Sealed fields for encrypted ones.
type Edit struct {
	Content string
	Sealed  Sealed
}
