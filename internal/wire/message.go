package wire

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/matheus3301/sealdm/internal/model"
)

// ID accepts either a JSON string or a JSON number and keeps it as a string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Message is the server representation shared by the REST API and WebSocket pushes.
type Message struct {
	ID                      ID        `json:"id"`
	Room                    ID        `json:"room"`
	Sender                  ID        `json:"sender"`
	MessageType             string    `json:"message_type"`
	Content                 string    `json:"content,omitempty"`
	EncryptedContent        string    `json:"encrypted_content,omitempty"`
	EncryptedSessionKey     string    `json:"encrypted_session_key,omitempty"`
	SelfEncryptedSessionKey string    `json:"self_encrypted_session_key,omitempty"`
	AssetID                 ID        `json:"asset_id,omitempty"`
	ReplyTo                 ID        `json:"reply_to,omitempty"`
	IsRead                  bool      `json:"is_read"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

// ToModel converts the server representation to a client message.
func (m *Message) ToModel() *model.Message {
	typ := model.MessageType(m.MessageType)
	if typ == "" {
		typ = model.TypeText
	}
	updated := m.UpdatedAt
	if updated.IsZero() {
		updated = m.CreatedAt
	}
	return &model.Message{
		ID:                      string(m.ID),
		RoomID:                  string(m.Room),
		SenderID:                string(m.Sender),
		Type:                    typ,
		Content:                 m.Content,
		EncryptedContent:        m.EncryptedContent,
		EncryptedSessionKey:     m.EncryptedSessionKey,
		SelfEncryptedSessionKey: m.SelfEncryptedSessionKey,
		AssetID:                 string(m.AssetID),
		ReplyToID:               string(m.ReplyTo),
		IsRead:                  m.IsRead,
		CreatedAt:               m.CreatedAt,
		UpdatedAt:               updated,
	}
}

// FromModel builds the server representation of a client message.
func FromModel(m *model.Message) *Message {
	return &Message{
		ID:                      ID(m.ID),
		Room:                    ID(m.RoomID),
		Sender:                  ID(m.SenderID),
		MessageType:             string(m.Type),
		Content:                 m.Content,
		EncryptedContent:        m.EncryptedContent,
		EncryptedSessionKey:     m.EncryptedSessionKey,
		SelfEncryptedSessionKey: m.SelfEncryptedSessionKey,
		AssetID:                 ID(m.AssetID),
		ReplyTo:                 ID(m.ReplyToID),
		IsRead:                  m.IsRead,
		CreatedAt:               m.CreatedAt,
		UpdatedAt:               m.UpdatedAt,
	}
}

// Page is the paginated message list returned by the REST API.
type Page struct {
	Results []Message `json:"results"`
	Next    *string   `json:"next"`
}

// ToModel converts the page.
func (p *Page) ToModel() model.Page {
	out := model.Page{
		Messages: make([]*model.Message, 0, len(p.Results)),
		HasNext:  p.Next != nil && *p.Next != "",
	}
	for i := range p.Results {
		out.Messages = append(out.Messages, p.Results[i].ToModel())
	}
	return out
}

// EditRequest is the PATCH body of an edit.
type EditRequest struct {
	Content                 string `json:"content,omitempty"`
	EncryptedContent        string `json:"encrypted_content,omitempty"`
	EncryptedSessionKey     string `json:"encrypted_session_key,omitempty"`
	SelfEncryptedSessionKey string `json:"self_encrypted_session_key,omitempty"`
}

// NewEditRequest builds the PATCH body for e.
func NewEditRequest(e model.Edit) EditRequest {
	return EditRequest{
		Content:                 e.Content,
		EncryptedContent:        e.Sealed.EncryptedContent,
		EncryptedSessionKey:     e.Sealed.EncryptedSessionKey,
		SelfEncryptedSessionKey: e.Sealed.SelfEncryptedSessionKey,
	}
}

// MarkReadRequest is the POST body of mark_read.
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// PublicKeyResponse is returned by the public key lookup.
type PublicKeyResponse struct {
	PublicKey string `json:"public_key"`
}
