// Package api exposes the moderation engine over HTTP: single and batch
// moderation, liveness and readiness probes, model information, metrics and
// the streaming WebSocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/moderation/internal/moderation"
	"github.com/whisper/moderation/internal/policy"
	"github.com/whisper/moderation/internal/ratelimit"
)

// Moderator is the engine surface used by the handlers.
type Moderator interface {
	ModerateOne(ctx context.Context, req moderation.Request) (policy.Decision, error)
	ModerateBatch(ctx context.Context, reqs []moderation.Request) ([]policy.Decision, error)
}

// RateLimiter decides whether an identifier may submit another request.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Check probes one dependency for the readiness endpoint.
type Check func(ctx context.Context) error

// ModelInfo describes the active classifier.
type ModelInfo struct {
	ModelID           string  `json:"model_id"`
	Version           string  `json:"version"`
	Strategy          string  `json:"strategy"` // "hf_api" or "local"
	ToxicThreshold    float64 `json:"toxic_threshold"`
	HighRiskThreshold float64 `json:"high_risk_threshold"`
}

// HandlerConfig holds the dependencies of a Handler.
type HandlerConfig struct {
	Engine   Moderator
	Limiter  RateLimiter // nil disables rate limiting
	RateRule ratelimit.Rule
	Model    ModelInfo
	Checks   map[string]Check
	Logger   zerolog.Logger
}

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	engine    Moderator
	limiter   RateLimiter
	rule      ratelimit.Rule
	model     ModelInfo
	checks    map[string]Check
	logger    zerolog.Logger
	startedAt time.Time
}

// NewHandler creates a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		engine:    cfg.Engine,
		limiter:   cfg.Limiter,
		rule:      cfg.RateRule,
		model:     cfg.Model,
		checks:    cfg.Checks,
		logger:    cfg.Logger,
		startedAt: time.Now(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write response")
	}
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
