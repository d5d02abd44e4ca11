package moderation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/moderation/internal/metrics"
)

// ResultPublisher sends a verdict back to the chat server owning a session.
type ResultPublisher interface {
	PublishModerationResult(sessionID string, data []byte) error
}

// CheckHandler answers moderation.check messages from the chat servers.
// Checks are funnelled through a shared Coalescer so bursts across sessions
// reach the classifier as batches.
type CheckHandler struct {
	coalescer *Coalescer
	publisher ResultPublisher
	logger    zerolog.Logger
	timeout   time.Duration
}

// NewCheckHandler creates a CheckHandler. timeout bounds how long one check
// may wait for its decision.
func NewCheckHandler(coalescer *Coalescer, publisher ResultPublisher, timeout time.Duration, logger zerolog.Logger) *CheckHandler {
	return &CheckHandler{
		coalescer: coalescer,
		publisher: publisher,
		logger:    logger,
		timeout:   timeout,
	}
}

// Handle decodes one raw check and publishes its result asynchronously.
// It never blocks the subscription callback on the classifier.
func (h *CheckHandler) Handle(data []byte) {
	var req CheckRequest
	if err := json.Unmarshal(data, &req); err != nil {
		h.logger.Warn().Err(err).Msg("failed to unmarshal check request")
		return
	}
	if req.SessionID == "" || req.Text == "" {
		h.logger.Warn().Str("session", req.SessionID).Msg("check request missing session_id or text")
		return
	}
	metrics.RequestsTotal.WithLabelValues("nats").Inc()

	call, err := h.coalescer.Enqueue(req.Request())
	if err != nil {
		h.logger.Warn().Err(err).Str("session", req.SessionID).Msg("check rejected")
		return
	}
	go h.await(req, call)
}

func (h *CheckHandler) await(req CheckRequest, call *PendingCall) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	d, err := call.Wait(ctx)
	if err != nil {
		h.logger.Warn().Err(err).
			Str("session", req.SessionID).
			Str("chat", req.ChatID).
			Msg("check failed, no verdict published")
		return
	}

	res := NewCheckResult(req, d)
	out, err := json.Marshal(res)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal check result")
		return
	}
	if err := h.publisher.PublishModerationResult(req.SessionID, out); err != nil {
		h.logger.Warn().Err(err).Str("session", req.SessionID).Msg("failed to publish check result")
		return
	}

	if res.Blocked {
		h.logger.Info().
			Str("session", req.SessionID).
			Str("chat", req.ChatID).
			Str("action", res.Action).
			Float64("score", res.Score).
			Msg("message flagged")
	}
}
