// Package policy turns a raw classifier output into a moderation decision.
// Everything here is pure: no I/O, no clocks, no shared state.
package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Label is the moderation category assigned to a message.
type Label string

const (
	LabelSafe     Label = "safe"
	LabelToxic    Label = "toxic"
	LabelHighRisk Label = "high_risk"
)

// Action is what the transport must do with a message.
type Action string

const (
	ActionAllow    Action = "allow"
	ActionBlock    Action = "block"
	ActionEscalate Action = "escalate"
)

// RemovedPlaceholder replaces the text of blocked and escalated messages.
const RemovedPlaceholder = "[message removed]"

// ErrInvalidThresholds is returned by Thresholds.Validate.
var ErrInvalidThresholds = errors.New("policy: invalid thresholds")

// Thresholds are the two confidence gates applied to a toxic prediction.
type Thresholds struct {
	Toxic    float64
	HighRisk float64
}

// DefaultThresholds returns the production gates (0.60 / 0.85).
func DefaultThresholds() Thresholds {
	return Thresholds{Toxic: 0.60, HighRisk: 0.85}
}

// Validate checks 0 <= Toxic <= HighRisk <= 1. NaN fails every comparison
// and is rejected.
func (t Thresholds) Validate() error {
	if !(0 <= t.Toxic && t.Toxic <= t.HighRisk && t.HighRisk <= 1) {
		return fmt.Errorf("%w: need 0 <= toxic (%.2f) <= high_risk (%.2f) <= 1",
			ErrInvalidThresholds, t.Toxic, t.HighRisk)
	}
	return nil
}

// Decision is the immutable outcome of moderating one message.
type Decision struct {
	Label         Label   `json:"label"`
	Action        Action  `json:"action"`
	Confidence    float64 `json:"score"`
	SanitizedText string  `json:"sanitized_text"`
	Reason        string  `json:"moderator_reason"`
	RawModelLabel string  `json:"raw_label,omitempty"`
}

// Allowed reports whether the message may be delivered unchanged.
func (d Decision) Allowed() bool {
	return d.Action == ActionAllow
}

// Escalated reports whether the message needs human review.
func (d Decision) Escalated() bool {
	return d.Action == ActionEscalate
}

// labelSynonyms maps generic binary model labels onto the toxic/safe names.
var labelSynonyms = map[string]string{
	"label_1": "toxic",
	"label_0": "safe",
}

// NormalizeLabel lower-cases a raw model label and resolves synonyms.
func NormalizeLabel(raw string) string {
	l := strings.ToLower(strings.TrimSpace(raw))
	if mapped, ok := labelSynonyms[l]; ok {
		return mapped
	}
	return l
}

// Evaluate applies the thresholds to one classifier output for text.
//
// Only a prediction whose normalized label is "toxic" can produce a non-safe
// decision; every other label collapses to safe regardless of confidence.
// Threshold comparisons use closed lower bounds.
func Evaluate(th Thresholds, text, rawLabel string, confidence float64) Decision {
	label := LabelSafe
	if NormalizeLabel(rawLabel) == "toxic" {
		switch {
		case confidence >= th.HighRisk:
			label = LabelHighRisk
		case confidence >= th.Toxic:
			label = LabelToxic
		}
	}

	d := Decision{
		Label:         label,
		Action:        ActionFor(label),
		Confidence:    confidence,
		SanitizedText: text,
		Reason:        reasonFor(label, confidence),
		RawModelLabel: rawLabel,
	}
	if d.Action != ActionAllow {
		d.SanitizedText = RemovedPlaceholder
	}
	return d
}

// ActionFor maps a label to its action.
func ActionFor(label Label) Action {
	switch label {
	case LabelHighRisk:
		return ActionEscalate
	case LabelToxic:
		return ActionBlock
	default:
		return ActionAllow
	}
}

func reasonFor(label Label, confidence float64) string {
	switch label {
	case LabelHighRisk:
		return fmt.Sprintf("High-risk content detected (score=%.2f)", confidence)
	case LabelToxic:
		return fmt.Sprintf("Toxic content detected (score=%.2f)", confidence)
	default:
		return fmt.Sprintf("Content allowed (score=%.2f)", confidence)
	}
}
