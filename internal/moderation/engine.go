// Package moderation orchestrates scoring, policy and notification for chat
// messages. Engine is the process-wide entry point used by every transport;
// Coalescer micro-batches single messages from one streaming connection into
// Engine batch calls.
package moderation

import (
	"context"
	"time"

	"github.com/whisper/moderation/internal/metrics"
	"github.com/whisper/moderation/internal/notify"
	"github.com/whisper/moderation/internal/policy"
	"github.com/whisper/moderation/internal/scoring"
)

// Scorer is satisfied by *scoring.Scorer.
type Scorer interface {
	ScoreOne(ctx context.Context, text string) (scoring.Prediction, error)
	ScoreMany(ctx context.Context, texts []string) ([]scoring.Prediction, error)
}

// Notifier is satisfied by *notify.Dispatcher. Send must not block.
type Notifier interface {
	Send(ev notify.Event)
}

// BatchModerator is what a Coalescer flushes into.
type BatchModerator interface {
	ModerateBatch(ctx context.Context, reqs []Request) ([]policy.Decision, error)
}

// Engine combines a scorer, thresholds and a notifier.
type Engine struct {
	scorer     Scorer
	thresholds policy.Thresholds
	notifier   Notifier
}

// NewEngine creates an engine. notifier may be nil.
func NewEngine(scorer Scorer, thresholds policy.Thresholds, notifier Notifier) *Engine {
	return &Engine{
		scorer:     scorer,
		thresholds: thresholds,
		notifier:   notifier,
	}
}

// Thresholds returns the gates the engine applies.
func (e *Engine) Thresholds() policy.Thresholds {
	return e.thresholds
}

// ModerateOne scores and evaluates a single message. Scoring errors are
// returned unchanged; notification never delays or fails the call.
func (e *Engine) ModerateOne(ctx context.Context, req Request) (policy.Decision, error) {
	pred, err := e.scorer.ScoreOne(ctx, req.Text)
	if err != nil {
		return policy.Decision{}, err
	}

	d := policy.Evaluate(e.thresholds, req.Text, pred.Label, pred.Confidence)
	e.record(req, d)
	return d, nil
}

// ModerateBatch moderates reqs with a single ScoreMany call. The result has
// the same length and order as reqs. A scoring failure fails the whole batch.
func (e *Engine) ModerateBatch(ctx context.Context, reqs []Request) ([]policy.Decision, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	texts := make([]string, len(reqs))
	for i, r := range reqs {
		texts[i] = r.Text
	}

	preds, err := e.scorer.ScoreMany(ctx, texts)
	if err != nil {
		return nil, err
	}

	out := make([]policy.Decision, len(reqs))
	for i, req := range reqs {
		out[i] = policy.Evaluate(e.thresholds, req.Text, preds[i].Label, preds[i].Confidence)
		e.record(req, out[i])
	}
	return out, nil
}

// record counts the decision and hands non-allow outcomes to the notifier.
func (e *Engine) record(req Request, d policy.Decision) {
	metrics.DecisionsTotal.WithLabelValues(string(d.Action)).Inc()

	if d.Allowed() || e.notifier == nil {
		return
	}
	e.notifier.Send(NewEvent(req, d))
}

// NewEvent builds the notification for a non-allow decision.
func NewEvent(req Request, d policy.Decision) notify.Event {
	return notify.Event{
		Action:        string(d.Action),
		Label:         string(d.Label),
		Score:         d.Confidence,
		Reason:        d.Reason,
		ChatID:        req.ChatID.Raw(),
		UserID:        req.UserID.Raw(),
		MessageID:     req.MessageID.Raw(),
		OriginalText:  req.Text,
		SanitizedText: d.SanitizedText,
		CreatedAt:     time.Now().UTC(),
	}
}
