package moderation

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/whisper/moderation/internal/policy"
)

// ID is a caller-supplied correlation id (chat, user or message). It may be
// any JSON value, typically a string or a number, and is echoed back exactly
// as received.
type ID json.RawMessage

// StringID builds an ID holding a JSON string.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID(b)
}

// IntID builds an ID holding a JSON number.
func IntID(n int64) ID {
	return ID(strconv.AppendInt(nil, n, 10))
}

// IsZero reports whether the id is absent or JSON null.
func (id ID) IsZero() bool {
	return len(id) == 0 || string(id) == "null"
}

// String renders the id for logs and keys: strings unquoted, other values in
// their JSON form, absent ids as "".
func (id ID) String() string {
	if id.IsZero() {
		return ""
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}

// Raw returns the id as raw JSON.
func (id ID) Raw() json.RawMessage {
	if id.IsZero() {
		return nil
	}
	return json.RawMessage(id)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id, nil
}

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = nil
		return nil
	}
	*id = append((*id)[:0], b...)
	return nil
}

// Request is one message submitted for moderation.
type Request struct {
	Text      string `json:"text"`
	UserID    ID     `json:"user_id,omitempty"`
	ChatID    ID     `json:"chat_id,omitempty"`
	MessageID ID     `json:"message_id,omitempty"`
}

// CheckRequest is published to moderation.check by a chat server when a
// message needs review.
type CheckRequest struct {
	SessionID string `json:"session_id"`
	ChatID    string `json:"chat_id"`
	UserID    string `json:"user_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text"`
	Ts        int64  `json:"ts"`
}

// Request converts the NATS payload into an engine request.
func (r CheckRequest) Request() Request {
	req := Request{Text: r.Text, ChatID: StringID(r.ChatID)}
	if r.UserID != "" {
		req.UserID = StringID(r.UserID)
	} else if r.SessionID != "" {
		req.UserID = StringID(r.SessionID)
	}
	if r.MessageID != "" {
		req.MessageID = StringID(r.MessageID)
	}
	return req
}

// CheckResult is published back on moderation.result.<session_id>.
type CheckResult struct {
	SessionID     string  `json:"session_id"`
	ChatID        string  `json:"chat_id"`
	MessageID     string  `json:"message_id,omitempty"`
	Blocked       bool    `json:"blocked"`
	Action        string  `json:"action"`
	Label         string  `json:"label"`
	Score         float64 `json:"score"`
	Reason        string  `json:"reason"`
	SanitizedText string  `json:"sanitized_text"`
	Ts            int64   `json:"ts"`
}

// NewCheckResult builds the verdict for req.
func NewCheckResult(req CheckRequest, d policy.Decision) CheckResult {
	return CheckResult{
		SessionID:     req.SessionID,
		ChatID:        req.ChatID,
		MessageID:     req.MessageID,
		Blocked:       !d.Allowed(),
		Action:        string(d.Action),
		Label:         string(d.Label),
		Score:         d.Confidence,
		Reason:        d.Reason,
		SanitizedText: d.SanitizedText,
		Ts:            time.Now().UnixMilli(),
	}
}
