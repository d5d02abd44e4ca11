// Package protocol defines the JSON frames exchanged on the moderation
// WebSocket. Client frames carry an optional "type" discriminator (a frame
// without one is a moderation request); server frames always carry one.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/whisper/moderation/internal/moderation"
	"github.com/whisper/moderation/internal/policy"
)

// Client -> Server message types.
const (
	TypeModerate = "moderate"
	TypePing     = "ping"
)

// Server -> Client message types.
const (
	TypeModerationResult = "moderation_result"
	TypeEscalate         = "escalate"
	TypeRateLimited      = "rate_limited"
	TypeError            = "error"
	TypePong             = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeInvalidMessage     = "invalid_message"
	CodeBackendUnavailable = "backend_unavailable"
	CodeUnavailable        = "unavailable"
	CodeInternal           = "internal_error"
)

// MaxTextLength caps the size of a single message text in bytes.
const MaxTextLength = 8 * 1024

// ErrEmptyText is returned for moderation frames without text.
var ErrEmptyText = errors.New("protocol: text is required")

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the type, which
// defaults to TypeModerate when absent.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	e.Type = partial.Type
	if e.Type == "" {
		e.Type = TypeModerate
	}
	return nil
}

// ModerateMsg asks for one message to be moderated.
type ModerateMsg struct {
	Type      string        `json:"type,omitempty"`
	Text      string        `json:"text"`
	UserID    moderation.ID `json:"user_id,omitempty"`
	ChatID    moderation.ID `json:"chat_id,omitempty"`
	MessageID moderation.ID `json:"message_id,omitempty"`
}

// Request converts the frame into an engine request.
func (m ModerateMsg) Request() moderation.Request {
	return moderation.Request{
		Text:      m.Text,
		UserID:    m.UserID,
		ChatID:    m.ChatID,
		MessageID: m.MessageID,
	}
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// DecisionMsg reports one decision. It is used for moderation_result frames
// and for the follow-up escalate frame.
type DecisionMsg struct {
	Type          string        `json:"type"`
	Action        string        `json:"action"`
	Label         string        `json:"label"`
	Score         float64       `json:"score"`
	SanitizedText string        `json:"sanitized_text,omitempty"`
	Reason        string        `json:"reason"`
	UserID        moderation.ID `json:"user_id,omitempty"`
	ChatID        moderation.ID `json:"chat_id,omitempty"`
	MessageID     moderation.ID `json:"message_id,omitempty"`
}

// NewResultMsg builds the moderation_result frame for req.
func NewResultMsg(req moderation.Request, d policy.Decision) DecisionMsg {
	return DecisionMsg{
		Type:          TypeModerationResult,
		Action:        string(d.Action),
		Label:         string(d.Label),
		Score:         d.Confidence,
		SanitizedText: d.SanitizedText,
		Reason:        d.Reason,
		UserID:        req.UserID,
		ChatID:        req.ChatID,
		MessageID:     req.MessageID,
	}
}

// NewEscalateMsg builds the escalate frame sent after an escalated result.
// It never carries message text.
func NewEscalateMsg(req moderation.Request, d policy.Decision) DecisionMsg {
	msg := NewResultMsg(req, d)
	msg.Type = TypeEscalate
	msg.SanitizedText = ""
	return msg
}

// RateLimitedMsg is sent when the sender exceeded its message budget.
type RateLimitedMsg struct {
	Type       string        `json:"type"`
	RetryAfter int           `json:"retry_after"`
	MessageID  moderation.ID `json:"message_id,omitempty"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type      string        `json:"type"`
	Code      string        `json:"code"`
	Message   string        `json:"message"`
	MessageID moderation.ID `json:"message_id,omitempty"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage decodes a client frame. It returns the message type and
// either a ModerateMsg or a PingMsg.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	switch env.Type {
	case TypeModerate:
		var m ModerateMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
		}
		if m.Text == "" {
			return env.Type, m, ErrEmptyText
		}
		if len(m.Text) > MaxTextLength {
			return env.Type, m, fmt.Errorf("protocol: text exceeds %d bytes", MaxTextLength)
		}
		return env.Type, m, nil
	case TypePing:
		return env.Type, PingMsg{Type: TypePing}, nil
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}
}

// NewServerMessage marshals payload and forces its "type" field to msgType.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
