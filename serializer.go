package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Message represents a realtime wire envelope
type Message struct {
	Topic   string
	Event   string
	Payload map[string]any
	Ref     string

	// connection the message was queued for; 0 before the first connect
	conn uint64
}

// wireMessage is the on-the-wire shape; ref is null when empty.
type wireMessage struct {
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	Ref     *string        `json:"ref"`
}

// Serializer handles encoding/decoding of envelopes
type Serializer struct{}

// NewSerializer creates a new serializer instance
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Encode encodes a message as a single JSON object
func (s *Serializer) Encode(msg *Message) ([]byte, error) {
	wire := wireMessage{
		Topic:   msg.Topic,
		Event:   msg.Event,
		Payload: msg.Payload,
	}
	if wire.Payload == nil {
		wire.Payload = map[string]any{}
	}
	if msg.Ref != "" {
		ref := msg.Ref
		wire.Ref = &ref
	}

	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode decodes a received frame
func (s *Serializer) Decode(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, errors.New("empty message")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	msg := &Message{}

	if err := decodeString(raw["topic"], &msg.Topic); err != nil || msg.Topic == "" {
		return nil, errors.New("invalid topic")
	}
	if err := decodeString(raw["event"], &msg.Event); err != nil || msg.Event == "" {
		return nil, errors.New("invalid event")
	}

	ref, err := decodeRef(raw["ref"])
	if err != nil {
		return nil, err
	}
	msg.Ref = ref

	if p := raw["payload"]; len(p) > 0 && string(p) != "null" {
		if err := json.Unmarshal(p, &msg.Payload); err != nil {
			return nil, fmt.Errorf("invalid payload: %w", err)
		}
	}
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}

	return msg, nil
}

func decodeString(raw json.RawMessage, out *string) error {
	if len(raw) == 0 {
		return errors.New("missing field")
	}
	return json.Unmarshal(raw, out)
}

// decodeRef accepts a string, a number or null.
func decodeRef(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
	}
	return "", errors.New("invalid ref type")
}

// ReplyPayload represents the structure of a phx_reply payload
type ReplyPayload struct {
	Status   string
	Response map[string]any
}

// GetReplyPayload extracts a reply payload from a message payload
func GetReplyPayload(payload map[string]any) (*ReplyPayload, error) {
	status, ok := payload["status"].(string)
	if !ok {
		return nil, errors.New("missing or invalid status in reply")
	}

	response, _ := payload["response"].(map[string]any)
	return &ReplyPayload{
		Status:   status,
		Response: response,
	}, nil
}

// reason renders a non-ok reply's response for error messages.
func (r *ReplyPayload) reason() string {
	if r.Response != nil {
		if reason, ok := r.Response["reason"].(string); ok {
			return reason
		}
		if data, err := json.Marshal(r.Response); err == nil {
			return string(data)
		}
	}
	return r.Status
}
