package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/whisper/moderation/internal/metrics"
	"github.com/whisper/moderation/internal/moderation"
	"github.com/whisper/moderation/internal/policy"
)

// Routes under /api/v1 keep the request and response shapes of the previous
// moderation service. They run on the same engine as /moderate.

const serviceName = "moderation"

// AnalyzeRequest is the body of POST /api/v1/moderation/analyze.
type AnalyzeRequest struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Category is one label/score pair of an analysis.
type Category struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// AnalyzeResponse is the body returned by POST /api/v1/moderation/analyze.
type AnalyzeResponse struct {
	ToxicityScore float64            `json:"toxicity_score"`
	ToxicityLabel policy.Label       `json:"toxicity_label"`
	Categories    []Category         `json:"categories"`
	Raw           map[string]float64 `json:"raw"`
	ModelVersion  string             `json:"model_version"`
	LatencyMS     int64              `json:"latency_ms"`
}

// AnalyzeBatchItem is one entry of an analyze batch.
type AnalyzeBatchItem struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// AnalyzeBatchRequest is the body of POST /api/v1/moderation/analyze/batch.
type AnalyzeBatchRequest struct {
	Items []AnalyzeBatchItem `json:"items"`
}

// AnalyzeBatchResult is the outcome for one batch item.
type AnalyzeBatchResult struct {
	ID            string       `json:"id"`
	ToxicityScore float64      `json:"toxicity_score"`
	ToxicityLabel policy.Label `json:"toxicity_label"`
	ModelVersion  string       `json:"model_version"`
}

// AnalyzeBatchResponse lists results in request order.
type AnalyzeBatchResponse struct {
	Items []AnalyzeBatchResult `json:"items"`
}

// LegacyModelInfo is the body of GET /api/v1/models/current.
type LegacyModelInfo struct {
	ModelID   string  `json:"model_id"`
	Version   string  `json:"version"`
	Threshold float64 `json:"threshold"`
	Strategy  string  `json:"strategy"`
}

// Ping handles GET /api/v1/health/ping.
func (h *Handler) Ping(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
}

// LegacyReady handles GET /api/v1/health/ready.
func (h *Handler) LegacyReady(w http.ResponseWriter, r *http.Request) {
	if _, healthy := h.runChecks(r.Context()); !healthy {
		h.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// LegacyCurrentModel handles GET /api/v1/models/current.
func (h *Handler) LegacyCurrentModel(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, LegacyModelInfo{
		ModelID:   h.model.ModelID,
		Version:   h.model.Version,
		Threshold: h.model.ToxicThreshold,
		Strategy:  h.model.Strategy,
	})
}

// Analyze handles POST /api/v1/moderation/analyze.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	metrics.RequestsTotal.WithLabelValues("http").Inc()
	start := time.Now()

	var body AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req := moderation.Request{Text: body.Text}
	if err := validate(req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if !h.allow(r.Context(), "ip:"+clientIP(r)) {
		metrics.RateLimitedTotal.WithLabelValues("http").Inc()
		h.rateLimited(w)
		return
	}

	d, err := h.engine.ModerateOne(r.Context(), req)
	if err != nil {
		h.moderationError(w, err)
		return
	}

	raw := map[string]float64{}
	if d.RawModelLabel != "" {
		raw[d.RawModelLabel] = d.Confidence
	}
	h.JSON(w, http.StatusOK, AnalyzeResponse{
		ToxicityScore: d.Confidence,
		ToxicityLabel: d.Label,
		Categories:    []Category{{Label: string(d.Label), Score: d.Confidence}},
		Raw:           raw,
		ModelVersion:  h.model.Version,
		LatencyMS:     time.Since(start).Milliseconds(),
	})
}

// AnalyzeBatch handles POST /api/v1/moderation/analyze/batch. Like
// /moderate/batch it makes one engine call and counts once against the
// calling address.
func (h *Handler) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	metrics.RequestsTotal.WithLabelValues("http_batch").Inc()

	var body AnalyzeBatchRequest
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

	reqs := make([]moderation.Request, len(body.Items))
	for i, item := range body.Items {
		reqs[i] = moderation.Request{Text: item.Text}
		if err := validate(reqs[i]); err != nil {
			h.Error(w, http.StatusBadRequest, fmt.Sprintf("items[%d]: %v", i, err))
			return
		}
	}

	if !h.allow(r.Context(), "batch:"+clientIP(r)) {
		metrics.RateLimitedTotal.WithLabelValues("http_batch").Inc()
		h.rateLimited(w)
		return
	}

	ds, err := h.engine.ModerateBatch(r.Context(), reqs)
	if err != nil {
		h.moderationError(w, err)
		return
	}

	out := AnalyzeBatchResponse{Items: make([]AnalyzeBatchResult, len(ds))}
	for i, d := range ds {
		out.Items[i] = AnalyzeBatchResult{
			ID:            body.Items[i].ID,
			ToxicityScore: d.Confidence,
			ToxicityLabel: d.Label,
			ModelVersion:  h.model.Version,
		}
	}
	h.JSON(w, http.StatusOK, out)
}
