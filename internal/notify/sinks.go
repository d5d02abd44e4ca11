package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// EventPath is appended to the web app base URL.
const EventPath = "/api/moderation/event"

// HTTPSink POSTs events as JSON to the web app.
type HTTPSink struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPSink creates a sink for baseURL. A trailing slash is ignored; an
// empty apiKey omits the X-API-Key header.
func NewHTTPSink(baseURL, apiKey string) *HTTPSink {
	return &HTTPSink{
		url:    strings.TrimRight(baseURL, "/") + EventPath,
		apiKey: apiKey,
		client: &http.Client{},
	}
}

func (s *HTTPSink) Name() string { return "http" }

// Deliver makes one POST attempt. Any non-2xx status is a failure.
func (s *HTTPSink) Deliver(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: %s returned status %d", s.url, resp.StatusCode)
	}
	return nil
}

// EventPublisher is the subset of the NATS client the NATS sink needs.
type EventPublisher interface {
	PublishModerationEvent(data []byte) error
}

// NATSSink publishes events on the moderation.event subject.
type NATSSink struct {
	pub EventPublisher
}

// NewNATSSink creates a sink on top of an existing NATS client.
func NewNATSSink(pub EventPublisher) *NATSSink {
	return &NATSSink{pub: pub}
}

func (s *NATSSink) Name() string { return "nats" }

// Deliver publishes the event. NATS core publish is asynchronous, so ctx is
// only checked before publishing.
func (s *NATSSink) Deliver(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: marshal event: %w", err)
	}
	if err := s.pub.PublishModerationEvent(payload); err != nil {
		return fmt.Errorf("notify: nats publish: %w", err)
	}
	return nil
}
