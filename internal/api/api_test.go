package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/moderation/internal/moderation"
	"github.com/whisper/moderation/internal/policy"
	"github.com/whisper/moderation/internal/ratelimit"
	"github.com/whisper/moderation/internal/scoring"
)

// fakeModerator blocks texts containing "insult" and allows the rest.
type fakeModerator struct {
	err     error
	batches [][]moderation.Request
}

func (f *fakeModerator) decide(text string) policy.Decision {
	if strings.Contains(text, "insult") {
		return policy.Evaluate(policy.DefaultThresholds(), text, "toxic", 0.7)
	}
	return policy.Evaluate(policy.DefaultThresholds(), text, "safe", 0.99)
}

func (f *fakeModerator) ModerateOne(_ context.Context, req moderation.Request) (policy.Decision, error) {
	if f.err != nil {
		return policy.Decision{}, f.err
	}
	return f.decide(req.Text), nil
}

func (f *fakeModerator) ModerateBatch(_ context.Context, reqs []moderation.Request) ([]policy.Decision, error) {
	f.batches = append(f.batches, reqs)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]policy.Decision, len(reqs))
	for i, r := range reqs {
		out[i] = f.decide(r.Text)
	}
	return out, nil
}

type stubLimiter struct {
	allow bool
	seen  []string
}

func (s *stubLimiter) Allow(_ context.Context, identifier string, _ ratelimit.Rule) (bool, error) {
	s.seen = append(s.seen, identifier)
	return s.allow, nil
}

func newTestRouter(engine Moderator, limiter RateLimiter, apiKey string, checks map[string]Check) http.Handler {
	h := NewHandler(HandlerConfig{
		Engine:   engine,
		Limiter:  limiter,
		RateRule: ratelimit.RuleModerate,
		Model: ModelInfo{
			ModelID:           "unitary/toxic-bert",
			Version:           "v1",
			Strategy:          "hf_api",
			ToxicThreshold:    0.6,
			HighRiskThreshold: 0.85,
		},
		Checks: checks,
		Logger: zerolog.Nop(),
	})
	return NewRouter(RouterConfig{Logger: zerolog.Nop(), APIKey: apiKey, Handler: h})
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestModerate(t *testing.T) {
	r := newTestRouter(&fakeModerator{}, nil, "", nil)

	rec := do(t, r, http.MethodPost, "/moderate", `{"text":"what an insult","user_id":3,"chat_id":"c"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "toxic", body["label"])
	assert.Equal(t, "block", body["action"])
	assert.Equal(t, 0.7, body["score"])
	assert.Equal(t, policy.RemovedPlaceholder, body["sanitized_text"])
	assert.Equal(t, "Toxic content detected (score=0.70)", body["moderator_reason"])
}

func TestModerate_BadRequests(t *testing.T) {
	r := newTestRouter(&fakeModerator{}, nil, "", nil)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"text":`},
		{"missing text", `{"user_id":1,"chat_id":2}`},
		{"empty text", `{"text":"","user_id":1,"chat_id":2}`},
		{"too long", `{"text":"` + strings.Repeat("x", 9000) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, "/moderate", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decode(t, rec)["error"])
		})
	}
}

func TestModerate_BackendUnavailable(t *testing.T) {
	engine := &fakeModerator{err: fmt.Errorf("%w: %w", scoring.ErrBackendUnavailable, errors.New("upstream returned 502 from 10.1.2.3"))}
	r := newTestRouter(engine, nil, "", nil)

	rec := do(t, r, http.MethodPost, "/moderate", `{"text":"hi","user_id":1,"chat_id":1}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.1.2.3")

	rec = do(t, r, http.MethodPost, "/moderate/batch", `{"items":[{"text":"hi","user_id":1,"chat_id":1}]}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestModerate_InternalError(t *testing.T) {
	r := newTestRouter(&fakeModerator{err: errors.New("boom")}, nil, "", nil)

	rec := do(t, r, http.MethodPost, "/moderate", `{"text":"hi"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestModerate_RateLimited(t *testing.T) {
	limiter := &stubLimiter{allow: false}
	r := newTestRouter(&fakeModerator{}, limiter, "", nil)

	rec := do(t, r, http.MethodPost, "/moderate", `{"text":"hi","user_id":"u-9","chat_id":1}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, []string{"u-9"}, limiter.seen)
}

func TestModerateBatch(t *testing.T) {
	engine := &fakeModerator{}
	r := newTestRouter(engine, &stubLimiter{allow: true}, "", nil)

	body := `{"items":[
		{"text":"hello","user_id":1,"chat_id":"c","message_id":10},
		{"text":"an insult","user_id":2,"chat_id":"c"},
		{"text":"bye","user_id":1,"chat_id":"c"}
	]}`
	rec := do(t, r, http.MethodPost, "/moderate/batch", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 3)
	assert.Equal(t, policy.ActionAllow, resp.Results[0].Action)
	assert.Equal(t, policy.ActionBlock, resp.Results[1].Action)
	assert.Equal(t, "bye", resp.Results[2].SanitizedText)

	require.Len(t, engine.batches, 1)
	assert.Equal(t, "10", engine.batches[0][0].MessageID.String())
}

func TestModerateBatch_Limits(t *testing.T) {
	r := newTestRouter(&fakeModerator{}, nil, "", nil)

	item := `{"text":"x","user_id":1,"chat_id":1}`
	items := func(n int) string {
		parts := make([]string, n)
		for i := range parts {
			parts[i] = item
		}
		return `{"items":[` + strings.Join(parts, ",") + `]}`
	}

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/moderate/batch", `{"items":[]}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/moderate/batch", items(MaxBatchItems+1), nil).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/moderate/batch", items(MaxBatchItems), nil).Code)

	rec := do(t, r, http.MethodPost, "/moderate/batch", `{"items":[`+item+`,{"text":""}]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "items[1]")
}

func TestAPIKey(t *testing.T) {
	r := newTestRouter(&fakeModerator{}, nil, "secret", nil)
	body := `{"text":"hi","user_id":1,"chat_id":1}`

	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodPost, "/moderate", body, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodPost, "/moderate", body, map[string]string{"X-API-Key": "wrong"}).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/moderate", body, map[string]string{"X-API-Key": "secret"}).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/models/current?api_key=secret", "", nil).Code)

	// Probes stay open.
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/health", "", nil).Code)
}

func TestHealthAndReady(t *testing.T) {
	healthy := map[string]Check{"redis": func(context.Context) error { return nil }}
	r := newTestRouter(&fakeModerator{}, nil, "", healthy)

	rec := do(t, r, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = do(t, r, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode(t, rec)["status"])

	failing := map[string]Check{
		"redis": func(context.Context) error { return nil },
		"nats":  func(context.Context) error { return errors.New("nats: no servers available") },
	}
	r = newTestRouter(&fakeModerator{}, nil, "", failing)
	rec = do(t, r, http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "fail", resp.Checks["nats"].Status)
	assert.Equal(t, "pass", resp.Checks["redis"].Status)
}

func TestCurrentModel(t *testing.T) {
	r := newTestRouter(&fakeModerator{}, nil, "", nil)

	rec := do(t, r, http.MethodGet, "/models/current", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var info ModelInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "unitary/toxic-bert", info.ModelID)
	assert.Equal(t, "hf_api", info.Strategy)
	assert.Equal(t, 0.85, info.HighRiskThreshold)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(&fakeModerator{}, nil, "", nil)
	do(t, r, http.MethodPost, "/moderate", `{"text":"hi"}`, nil)

	rec := do(t, r, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "moderation_http_requests_total")
}

func TestMaxBodySize(t *testing.T) {
	r := newTestRouter(&fakeModerator{}, nil, "", nil)

	big := bytes.Repeat([]byte("a"), maxBodyBytes+1)
	req := httptest.NewRequest(http.MethodPost, "/moderate", bytes.NewReader(big))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHandler_RequestTimeoutIsServiceUnavailable(t *testing.T) {
	h := NewHandler(HandlerConfig{Engine: &fakeModerator{err: context.Canceled}, Logger: zerolog.Nop()})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req := httptest.NewRequest(http.MethodPost, "/moderate", strings.NewReader(`{"text":"hi"}`)).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Moderate(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLegacyHealth(t *testing.T) {
	r := newTestRouter(&fakeModerator{}, nil, "secret", nil)

	rec := do(t, r, http.MethodGet, "/api/v1/health/ping", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"status": "ok", "service": "moderation"}, decode(t, rec))

	rec = do(t, r, http.MethodGet, "/api/v1/health/ready", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode(t, rec)["status"])

	failing := map[string]Check{"redis": func(context.Context) error { return errors.New("dial tcp: refused") }}
	r = newTestRouter(&fakeModerator{}, nil, "", failing)
	rec = do(t, r, http.MethodGet, "/api/v1/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", decode(t, rec)["status"])
}

func TestLegacyAnalyze(t *testing.T) {
	r := newTestRouter(&fakeModerator{}, nil, "", nil)

	rec := do(t, r, http.MethodPost, "/api/v1/moderation/analyze", `{"text":"what an insult","metadata":{"source":"chat"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AnalyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, policy.LabelToxic, resp.ToxicityLabel)
	assert.Equal(t, 0.7, resp.ToxicityScore)
	assert.Equal(t, []Category{{Label: "toxic", Score: 0.7}}, resp.Categories)
	assert.NotNil(t, resp.Raw)
	assert.Equal(t, "v1", resp.ModelVersion)
	assert.GreaterOrEqual(t, resp.LatencyMS, int64(0))

	body := decode(t, do(t, r, http.MethodPost, "/api/v1/moderation/analyze", `{"text":"hello"}`, nil))
	assert.Equal(t, "safe", body["toxicity_label"])
	assert.Contains(t, body, "raw")
	assert.Contains(t, body, "latency_ms")

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/v1/moderation/analyze", `{"text":""}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/v1/moderation/analyze", `{bad`, nil).Code)
}

func TestLegacyAnalyzeBatch(t *testing.T) {
	engine := &fakeModerator{}
	r := newTestRouter(engine, nil, "", nil)

	body := `{"items":[{"id":"a","text":"hello"},{"id":"b","text":"an insult"},{"id":"c","text":"bye"}]}`
	rec := do(t, r, http.MethodPost, "/api/v1/moderation/analyze/batch", body, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp AnalyzeBatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 3)
	for i, id := range []string{"a", "b", "c"} {
		assert.Equal(t, id, resp.Items[i].ID)
		assert.Equal(t, "v1", resp.Items[i].ModelVersion)
	}
	assert.Equal(t, policy.LabelSafe, resp.Items[0].ToxicityLabel)
	assert.Equal(t, policy.LabelToxic, resp.Items[1].ToxicityLabel)
	assert.Equal(t, 0.7, resp.Items[1].ToxicityScore)
	assert.Len(t, engine.batches, 1, "one engine call per batch")

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/api/v1/moderation/analyze/batch", `{"items":[]}`, nil).Code)
	rec = do(t, r, http.MethodPost, "/api/v1/moderation/analyze/batch", `{"items":[{"id":"a","text":""}]}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "items[0]")
}

func TestLegacyAnalyze_BackendUnavailable(t *testing.T) {
	engine := &fakeModerator{err: fmt.Errorf("%w: %w", scoring.ErrBackendUnavailable, errors.New("connect 10.9.9.9"))}
	r := newTestRouter(engine, nil, "", nil)

	rec := do(t, r, http.MethodPost, "/api/v1/moderation/analyze", `{"text":"hi"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.9.9.9")

	rec = do(t, r, http.MethodPost, "/api/v1/moderation/analyze/batch", `{"items":[{"id":"a","text":"hi"}]}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLegacyRoutes_APIKey(t *testing.T) {
	r := newTestRouter(&fakeModerator{}, nil, "secret", nil)
	key := map[string]string{"X-API-Key": "secret"}

	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodPost, "/api/v1/moderation/analyze", `{"text":"hi"}`, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/v1/moderation/analyze", `{"text":"hi"}`, key).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodGet, "/api/v1/models/current", "", nil).Code)

	rec := do(t, r, http.MethodGet, "/api/v1/models/current", "", key)
	require.Equal(t, http.StatusOK, rec.Code)
	var info LegacyModelInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, LegacyModelInfo{ModelID: "unitary/toxic-bert", Version: "v1", Threshold: 0.6, Strategy: "hf_api"}, info)
}
