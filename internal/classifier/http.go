package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/whisper/moderation/internal/scoring"
)

// DefaultInferenceBaseURL is used when only a model id is configured.
const DefaultInferenceBaseURL = "https://api-inference.huggingface.co/models/"

// HTTPConfig holds the remote inference endpoint settings.
type HTTPConfig struct {
	URL     string        // full endpoint; derived from ModelID when empty
	ModelID string        // e.g. "unitary/toxic-bert"
	Token   string        // bearer token, optional
	Timeout time.Duration // per request
}

// DefaultHTTPConfig returns a config with the standard 15s timeout.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{Timeout: 15 * time.Second}
}

// Endpoint returns the URL requests are sent to.
func (c HTTPConfig) Endpoint() string {
	if c.URL != "" {
		return c.URL
	}
	if c.ModelID != "" {
		return DefaultInferenceBaseURL + c.ModelID
	}
	return ""
}

// HTTPClassifier calls a text-classification inference endpoint. The request
// body is {"inputs": text} or {"inputs": [texts]}; the response may be a flat
// list of {label, score} objects or a list of such lists, one per input. The
// highest scoring label is kept for each input.
type HTTPClassifier struct {
	endpoint string
	token    string
	client   *http.Client
}

var _ scoring.Classifier = (*HTTPClassifier)(nil)

// NewHTTPClassifier creates a classifier for the configured endpoint.
func NewHTTPClassifier(config HTTPConfig) (*HTTPClassifier, error) {
	endpoint := config.Endpoint()
	if endpoint == "" {
		return nil, errors.New("classifier: no inference endpoint configured")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPConfig().Timeout
	}
	return &HTTPClassifier{
		endpoint: endpoint,
		token:    config.Token,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type labelScore struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Classify implements scoring.Classifier.
func (c *HTTPClassifier) Classify(ctx context.Context, text string) (scoring.Prediction, error) {
	raw, err := c.post(ctx, text)
	if err != nil {
		return scoring.Prediction{}, err
	}

	var nested [][]labelScore
	if err := json.Unmarshal(raw, &nested); err == nil && len(nested) > 0 {
		return best(nested[0])
	}
	var flat []labelScore
	if err := json.Unmarshal(raw, &flat); err != nil {
		return scoring.Prediction{}, fmt.Errorf("classifier: decode response: %w", err)
	}
	return best(flat)
}

// ClassifyBatch implements scoring.Classifier.
func (c *HTTPClassifier) ClassifyBatch(ctx context.Context, texts []string) ([]scoring.Prediction, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	raw, err := c.post(ctx, texts)
	if err != nil {
		return nil, err
	}

	var perInput [][]labelScore
	if err := json.Unmarshal(raw, &perInput); err != nil {
		// Top-1 pipelines answer a batch with one object per input.
		var flat []labelScore
		if err := json.Unmarshal(raw, &flat); err != nil {
			return nil, fmt.Errorf("classifier: decode batch response: %w", err)
		}
		perInput = make([][]labelScore, len(flat))
		for i, ls := range flat {
			perInput[i] = []labelScore{ls}
		}
	}

	if len(perInput) != len(texts) {
		return nil, fmt.Errorf("classifier: got %d results for %d inputs", len(perInput), len(texts))
	}

	out := make([]scoring.Prediction, len(texts))
	for i, candidates := range perInput {
		pred, err := best(candidates)
		if err != nil {
			return nil, fmt.Errorf("classifier: input %d: %w", i, err)
		}
		out[i] = pred
	}
	return out, nil
}

func (c *HTTPClassifier) post(ctx context.Context, inputs any) ([]byte, error) {
	body, err := json.Marshal(map[string]any{"inputs": inputs})
	if err != nil {
		return nil, fmt.Errorf("classifier: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("classifier: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier: request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("classifier: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("classifier: endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}

func best(candidates []labelScore) (scoring.Prediction, error) {
	if len(candidates) == 0 {
		return scoring.Prediction{}, errors.New("classifier: empty prediction")
	}
	top := candidates[0]
	for _, c := range candidates[1:] {
		if c.Score > top.Score {
			top = c
		}
	}
	return scoring.Prediction{Label: top.Label, Confidence: top.Score}, nil
}
