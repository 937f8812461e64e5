package wire

import "github.com/matheus3301/sealdm/internal/model"

// Kind identifies an inbound event category.
type Kind int

const (
	KindChatMessage Kind = iota
	KindTyping
	KindReadReceipt
	KindMessageUpdate
	KindMessageDelete
	KindUserStatus
	KindError
	KindConnectionUp
	KindConnectionDown
)

func (k Kind) String() string {
	switch k {
	case KindChatMessage:
		return "chat_message"
	case KindTyping:
		return "typing"
	case KindReadReceipt:
		return "read_receipt"
	case KindMessageUpdate:
		return "message_update"
	case KindMessageDelete:
		return "message_delete"
	case KindUserStatus:
		return "user_status"
	case KindError:
		return "error"
	case KindConnectionUp:
		return "connection_up"
	case KindConnectionDown:
		return "connection_down"
	default:
		return "unknown"
	}
}

// Event is the inbound sum type consumed by the sync dispatcher.
type Event interface {
	Kind() Kind
}

// ChatMessage is a new message pushed by the server, own echoes included.
type ChatMessage struct {
	Message *model.Message
}

// Typing reports a peer typing indicator.
type Typing struct {
	UserID   string
	IsTyping bool
}

// ReadReceipt reports that UserID has read MessageIDs.
type ReadReceipt struct {
	UserID     string
	MessageIDs []string
}

// MessageUpdate carries an edited message.
type MessageUpdate struct {
	Message *model.Message
}

// MessageDelete reports a removed message.
type MessageDelete struct {
	MessageID string
}

// UserStatus reports a presence change.
type UserStatus struct {
	UserID string
	Status string
}

// ServerError is an error frame sent by the server.
type ServerError struct {
	Message string
}

// Frame is a decoded server frame tagged with the room whose socket
// delivered it. The transport emits every inbound frame wrapped this way.
type Frame struct {
	Room  string
	Event Event
}

// ConnectionUp is emitted by the transport once a socket is open.
type ConnectionUp struct {
	Room      string
	Reconnect bool
}

// ConnectionDown is emitted by the transport when a socket drops.
type ConnectionDown struct {
	Room string
	Err  error
}

func (ChatMessage) Kind() Kind    { return KindChatMessage }
func (Typing) Kind() Kind         { return KindTyping }
func (ReadReceipt) Kind() Kind    { return KindReadReceipt }
func (MessageUpdate) Kind() Kind  { return KindMessageUpdate }
func (MessageDelete) Kind() Kind  { return KindMessageDelete }
func (UserStatus) Kind() Kind     { return KindUserStatus }
func (ServerError) Kind() Kind    { return KindError }
func (ConnectionUp) Kind() Kind   { return KindConnectionUp }
func (f Frame) Kind() Kind        { return f.Event.Kind() }
func (ConnectionDown) Kind() Kind { return KindConnectionDown }
