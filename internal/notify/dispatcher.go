// Package notify delivers moderation events for blocked and escalated
// messages to downstream systems. Delivery is fire-and-forget: Send never
// blocks and never reports failure to its caller. Each configured sink gets
// one attempt per event, bounded by a short timeout, and failures are only
// logged and counted.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/moderation/internal/metrics"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 5 * time.Second

// Event describes one non-allow moderation decision. Correlation ids are
// kept as the raw JSON the caller sent so they round-trip unchanged.
type Event struct {
	ID            string          `json:"event_id"`
	Action        string          `json:"action"`
	Label         string          `json:"label"`
	Score         float64         `json:"score"`
	Reason        string          `json:"reason"`
	ChatID        json.RawMessage `json:"chat_id,omitempty"`
	UserID        json.RawMessage `json:"user_id,omitempty"`
	MessageID     json.RawMessage `json:"message_id,omitempty"`
	OriginalText  string          `json:"original_text"`
	SanitizedText string          `json:"sanitized_text"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MarshalJSON adds the toxicity_category and confidence aliases expected by
// the web app's moderation endpoint.
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	return json.Marshal(struct {
		plain
		ToxicityCategory string  `json:"toxicity_category"`
		Confidence       float64 `json:"confidence"`
	}{plain(e), e.Label, e.Score})
}

// Sink is one delivery destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to every sink on detached goroutines.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  zerolog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. With no sinks Send is a no-op.
func NewDispatcher(logger zerolog.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger,
	}
}

// Enabled reports whether any sink is configured.
func (d *Dispatcher) Enabled() bool {
	return len(d.sinks) > 0
}

// Send schedules delivery of ev to every sink and returns immediately.
func (d *Dispatcher) Send(ev Event) {
	if len(d.sinks) == 0 {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	for _, sink := range d.sinks {
		sink := sink
		d.Go(sink.Name(), func() {
			d.deliver(sink, ev)
		})
	}
}

// Go runs fn on a tracked goroutine, converting a panic into a log line.
func (d *Dispatcher) Go(name string, fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.NotificationsTotal.WithLabelValues(name, "error").Inc()
				d.logger.Error().Str("sink", name).Str("panic", fmt.Sprint(r)).Msg("panic in notification delivery")
			}
		}()
		fn()
	}()
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(sink Sink, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if err := sink.Deliver(ctx, ev); err != nil {
		metrics.NotificationsTotal.WithLabelValues(sink.Name(), "error").Inc()
		d.logger.Warn().
			Err(err).
			Str("sink", sink.Name()).
			Str("event_id", ev.ID).
			Str("action", ev.Action).
			Msg("notification delivery failed")
		return
	}
	metrics.NotificationsTotal.WithLabelValues(sink.Name(), "ok").Inc()
	d.logger.Debug().Str("sink", sink.Name()).Str("event_id", ev.ID).Msg("notification delivered")
}
