package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/whisper/moderation/internal/metrics"
	"github.com/whisper/moderation/internal/moderation"
	"github.com/whisper/moderation/internal/policy"
	"github.com/whisper/moderation/internal/protocol"
	"github.com/whisper/moderation/internal/scoring"
)

// MaxBatchItems caps the size of a batch request.
const MaxBatchItems = 200

// BatchRequest is the body of POST /moderate/batch.
type BatchRequest struct {
	Items []moderation.Request `json:"items"`
}

// BatchResponse holds one decision per request item, in order.
type BatchResponse struct {
	Results []policy.Decision `json:"results"`
}

// Moderate handles POST /moderate.
func (h *Handler) Moderate(w http.ResponseWriter, r *http.Request) {
	metrics.RequestsTotal.WithLabelValues("http").Inc()

	var req moderation.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate(req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	identifier := req.UserID.String()
	if identifier == "" {
		identifier = "ip:" + clientIP(r)
	}
	if !h.allow(r.Context(), identifier) {
		metrics.RateLimitedTotal.WithLabelValues("http").Inc()
		h.rateLimited(w)
		return
	}

	d, err := h.engine.ModerateOne(r.Context(), req)
	if err != nil {
		h.moderationError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, d)
}

// ModerateBatch handles POST /moderate/batch. The batch is counted once
// against the calling address.
func (h *Handler) ModerateBatch(w http.ResponseWriter, r *http.Request) {
	metrics.RequestsTotal.WithLabelValues("http_batch").Inc()

	var body BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(body.Items) == 0 {
		h.Error(w, http.StatusBadRequest, "items must not be empty")
		return
	}
	if len(body.Items) > MaxBatchItems {
		h.Error(w, http.StatusBadRequest, fmt.Sprintf("batch limit is %d messages", MaxBatchItems))
		return
	}
	for i, item := range body.Items {
		if err := validate(item); err != nil {
			h.Error(w, http.StatusBadRequest, fmt.Sprintf("items[%d]: %v", i, err))
			return
		}
	}

	if !h.allow(r.Context(), "batch:"+clientIP(r)) {
		metrics.RateLimitedTotal.WithLabelValues("http_batch").Inc()
		h.rateLimited(w)
		return
	}

	ds, err := h.engine.ModerateBatch(r.Context(), body.Items)
	if err != nil {
		h.moderationError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, BatchResponse{Results: ds})
}

// clientIP strips the port from RemoteAddr when present.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func validate(req moderation.Request) error {
	if req.Text == "" {
		return errors.New("text is required")
	}
	if len(req.Text) > protocol.MaxTextLength {
		return fmt.Errorf("text exceeds %d bytes", protocol.MaxTextLength)
	}
	return nil
}

func (h *Handler) allow(ctx context.Context, identifier string) bool {
	if h.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	ok, _ := h.limiter.Allow(ctx, identifier, h.rule)
	return ok
}

func (h *Handler) rateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", strconv.Itoa(int(h.rule.Window.Seconds())))
	h.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
}

// moderationError maps engine errors to status codes. Backend error text is
// logged, never returned.
func (h *Handler) moderationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scoring.ErrBackendUnavailable):
		h.logger.Warn().Err(err).Msg("moderation backend unavailable")
		h.Error(w, http.StatusServiceUnavailable, "moderation backend unavailable")
	case errors.Is(err, context.Canceled):
		h.Error(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		h.logger.Error().Err(err).Msg("moderation failed")
		h.Error(w, http.StatusInternalServerError, "internal error")
	}
}
