package policy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	th := Thresholds{Toxic: 0.6, HighRisk: 0.85}

	tests := []struct {
		name       string
		label      string
		confidence float64
		wantLabel  Label
		wantAction Action
		wantReason string
	}{
		{"high risk", "toxic", 0.9, LabelHighRisk, ActionEscalate, "High-risk content detected (score=0.90)"},
		{"toxic", "toxic", 0.7, LabelToxic, ActionBlock, "Toxic content detected (score=0.70)"},
		{"safe", "safe", 0.99, LabelSafe, ActionAllow, "Content allowed (score=0.99)"},
		{"toxic below gate downgraded", "toxic", 0.59, LabelSafe, ActionAllow, "Content allowed (score=0.59)"},
		{"exactly toxic threshold", "toxic", 0.6, LabelToxic, ActionBlock, "Toxic content detected (score=0.60)"},
		{"exactly high risk threshold", "toxic", 0.85, LabelHighRisk, ActionEscalate, "High-risk content detected (score=0.85)"},
		{"label_1 synonym", "LABEL_1", 0.95, LabelHighRisk, ActionEscalate, "High-risk content detected (score=0.95)"},
		{"label_0 synonym", "label_0", 0.99, LabelSafe, ActionAllow, "Content allowed (score=0.99)"},
		{"upper case toxic", "Toxic", 0.7, LabelToxic, ActionBlock, "Toxic content detected (score=0.70)"},
		{"other label collapses to safe", "insult", 0.99, LabelSafe, ActionAllow, "Content allowed (score=0.99)"},
		{"empty label", "", 1.0, LabelSafe, ActionAllow, "Content allowed (score=1.00)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(th, "some message", tt.label, tt.confidence)
			assert.Equal(t, tt.wantLabel, d.Label)
			assert.Equal(t, tt.wantAction, d.Action)
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.Equal(t, tt.label, d.RawModelLabel)
			assert.InDelta(t, tt.confidence, d.Confidence, 1e-9)
		})
	}
}

func TestEvaluate_Sanitization(t *testing.T) {
	th := DefaultThresholds()

	allowed := Evaluate(th, "hello there", "safe", 0.99)
	assert.Equal(t, "hello there", allowed.SanitizedText)
	assert.True(t, allowed.Allowed())

	blocked := Evaluate(th, "you idiot", "toxic", 0.7)
	assert.Equal(t, RemovedPlaceholder, blocked.SanitizedText)
	assert.NotEqual(t, "you idiot", blocked.SanitizedText)

	escalated := Evaluate(th, "threat", "toxic", 0.9)
	assert.Equal(t, "[message removed]", escalated.SanitizedText)
	assert.False(t, escalated.Allowed())
}

func TestActionFor(t *testing.T) {
	assert.Equal(t, ActionEscalate, ActionFor(LabelHighRisk))
	assert.Equal(t, ActionBlock, ActionFor(LabelToxic))
	assert.Equal(t, ActionAllow, ActionFor(LabelSafe))
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name  string
		th    Thresholds
		valid bool
	}{
		{"defaults", DefaultThresholds(), true},
		{"equal", Thresholds{Toxic: 0.5, HighRisk: 0.5}, true},
		{"bounds", Thresholds{Toxic: 0, HighRisk: 1}, true},
		{"inverted", Thresholds{Toxic: 0.9, HighRisk: 0.8}, false},
		{"negative", Thresholds{Toxic: -0.1, HighRisk: 0.8}, false},
		{"above one", Thresholds{Toxic: 0.6, HighRisk: 1.2}, false},
		{"nan toxic", Thresholds{Toxic: math.NaN(), HighRisk: 0.85}, false},
		{"nan high risk", Thresholds{Toxic: 0.6, HighRisk: math.NaN()}, false},
		{"both nan", Thresholds{Toxic: math.NaN(), HighRisk: math.NaN()}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.th.Validate()
			if tt.valid {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidThresholds)
		})
	}
}
