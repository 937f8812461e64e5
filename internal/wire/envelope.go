package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Outgoing frame types.
const (
	TypeChatMessage = "chat_message"
	TypeTyping      = "typing"
	TypeReadReceipt = "read_receipt"
)

// Inbound-only frame types.
const (
	TypeMessageUpdate = "message_update"
	TypeMessageDelete = "message_delete"
	TypeUserStatus    = "user_status"
	TypeError         = "error"
)

// ErrMalformedFrame is returned by Decode for frames that cannot be routed.
var ErrMalformedFrame = errors.New("malformed frame")

// Outgoing is the client→server WebSocket envelope.
type Outgoing struct {
	Type                    string   `json:"type"`
	MessageType             string   `json:"message_type,omitempty"`
	Content                 string   `json:"content,omitempty"`
	EncryptedContent        string   `json:"encrypted_content,omitempty"`
	EncryptedSessionKey     string   `json:"encrypted_session_key,omitempty"`
	SelfEncryptedSessionKey string   `json:"self_encrypted_session_key,omitempty"`
	ReplyTo                 string   `json:"reply_to,omitempty"`
	AssetID                 string   `json:"asset_id,omitempty"`
	IsTyping                *bool    `json:"is_typing,omitempty"`
	MessageIDs              []string `json:"message_ids,omitempty"`
}

// User is the user object attached to typing and status frames.
type User struct {
	ID       ID     `json:"id"`
	Username string `json:"username,omitempty"`
}

// Envelope is the server→client WebSocket envelope.
type Envelope struct {
	Type         string   `json:"type"`
	Message      *Message `json:"message,omitempty"`
	User         *User    `json:"user,omitempty"`
	IsTyping     bool     `json:"is_typing,omitempty"`
	UserID       ID       `json:"user_id,omitempty"`
	MessageIDs   []ID     `json:"message_ids,omitempty"`
	MessageID    ID       `json:"message_id,omitempty"`
	Status       string   `json:"status,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

// Decode parses a raw frame and routes it to a typed event.
func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case TypeChatMessage:
		if env.Message == nil || env.Message.ID == "" {
			return nil, fmt.Errorf("%w: chat_message without message", ErrMalformedFrame)
		}
		return ChatMessage{Message: env.Message.ToModel()}, nil
	case TypeTyping:
		uid := env.UserID
		if uid == "" && env.User != nil {
			uid = env.User.ID
		}
		return Typing{UserID: string(uid), IsTyping: env.IsTyping}, nil
	case TypeReadReceipt:
		ids := make([]string, 0, len(env.MessageIDs))
		for _, id := range env.MessageIDs {
			ids = append(ids, string(id))
		}
		return ReadReceipt{UserID: string(env.UserID), MessageIDs: ids}, nil
	case TypeMessageUpdate:
		if env.Message == nil || env.Message.ID == "" {
			return nil, fmt.Errorf("%w: message_update without message", ErrMalformedFrame)
		}
		return MessageUpdate{Message: env.Message.ToModel()}, nil
	case TypeMessageDelete:
		id := env.MessageID
		if id == "" && env.Message != nil {
			id = env.Message.ID
		}
		if id == "" {
			return nil, fmt.Errorf("%w: message_delete without id", ErrMalformedFrame)
		}
		return MessageDelete{MessageID: string(id)}, nil
	case TypeUserStatus:
		uid := env.UserID
		if uid == "" && env.User != nil {
			uid = env.User.ID
		}
		return UserStatus{UserID: string(uid), Status: env.Status}, nil
	case TypeError:
		return ServerError{Message: env.ErrorMessage}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, env.Type)
	}
}

// NewChatFrame builds an outgoing chat_message frame.
func NewChatFrame(m *Message) Outgoing {
	return Outgoing{
		Type:                    TypeChatMessage,
		MessageType:             m.MessageType,
		Content:                 m.Content,
		EncryptedContent:        m.EncryptedContent,
		EncryptedSessionKey:     m.EncryptedSessionKey,
		SelfEncryptedSessionKey: m.SelfEncryptedSessionKey,
		ReplyTo:                 string(m.ReplyTo),
		AssetID:                 string(m.AssetID),
	}
}

// NewTypingFrame builds an outgoing typing frame.
func NewTypingFrame(typing bool) Outgoing {
	return Outgoing{Type: TypeTyping, IsTyping: &typing}
}

// NewReadReceiptFrame builds an outgoing read_receipt frame.
func NewReadReceiptFrame(ids []string) Outgoing {
	return Outgoing{Type: TypeReadReceipt, MessageIDs: ids}
}
