package api

import (
	"context"
	"net/http"
	"time"
)

const version = "1.0.0"

// CheckResult is the outcome of one readiness probe.
type CheckResult struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Status    string                 `json:"status"` // "ready" or "degraded"
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health handles the liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// Ready runs every dependency probe and reports 503 when any fails.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	checks, healthy := h.runChecks(r.Context())

	status, code := "ready", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	h.JSON(w, code, ReadyResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) runChecks(ctx context.Context) (map[string]CheckResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	checks := make(map[string]CheckResult, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		start := time.Now()
		if err := check(ctx); err != nil {
			h.logger.Warn().Err(err).Str("check", name).Msg("readiness check failed")
			checks[name] = CheckResult{Status: "fail", Message: "connection failed"}
			healthy = false
			continue
		}
		checks[name] = CheckResult{Status: "pass", Latency: time.Since(start).String()}
	}
	return checks, healthy
}

// CurrentModel reports the active classifier and thresholds.
func (h *Handler) CurrentModel(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, h.model)
}
