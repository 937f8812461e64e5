package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/sealdm/internal/bus"
	"github.com/matheus3301/sealdm/internal/model"
)

// toStruct converts any JSON-encodable value into a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes s into out through its JSON form.
func fromStruct(s *structpb.Struct, out any) error {
	b, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

func boolField(s *structpb.Struct, key string) bool {
	if s == nil {
		return false
	}
	return s.GetFields()[key].GetBoolValue()
}

func stringList(s *structpb.Struct, key string) []string {
	if s == nil {
		return nil
	}
	var out []string
	for _, v := range s.GetFields()[key].GetListValue().GetValues() {
		if str := v.GetStringValue(); str != "" {
			out = append(out, str)
		}
	}
	return out
}

// MessageView is the reply shape of a single message.
type MessageView struct {
	*model.Message
	Text string `json:"text"`
}

func viewOf(m *model.Message) MessageView {
	return MessageView{Message: m, Text: m.Text()}
}

func viewsOf(msgs []*model.Message) []MessageView {
	out := make([]MessageView, len(msgs))
	for i, m := range msgs {
		out[i] = viewOf(m)
	}
	return out
}

// EventView is the wire shape of a bus event on the watch stream.
type EventView struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	OccurredAt int64  `json:"occurred_at_unix_ms"`
	Payload    any    `json:"payload,omitempty"`
}

func eventStruct(evt bus.Event) (*structpb.Struct, error) {
	return toStruct(EventView{
		ID:         evt.ID,
		Kind:       evt.Kind,
		OccurredAt: evt.Timestamp.UnixMilli(),
		Payload:    evt.Payload,
	})
}
