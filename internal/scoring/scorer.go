package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/whisper/moderation/internal/metrics"
)

// ErrBackendUnavailable is returned (wrapped) whenever the classifier call
// fails or returns an unusable result. Callers should test for it with
// errors.Is and must not surface the wrapped detail to end users.
var ErrBackendUnavailable = errors.New("scoring: backend unavailable")

// Prediction is a single classifier output: the raw model label and the
// model's confidence in it, in [0, 1].
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"score"`
}

// Classifier is the external scoring model. ClassifyBatch must return one
// prediction per input text, in input order.
type Classifier interface {
	Classify(ctx context.Context, text string) (Prediction, error)
	ClassifyBatch(ctx context.Context, texts []string) ([]Prediction, error)
}

// Config holds the scorer tuning knobs.
type Config struct {
	CacheTTL time.Duration // lifetime of a cached prediction
	Cooldown time.Duration // minimum spacing between backend calls
}

// DefaultConfig mirrors the production defaults: 10s cache, 200ms cooldown.
func DefaultConfig() Config {
	return Config{
		CacheTTL: 10 * time.Second,
		Cooldown: 200 * time.Millisecond,
	}
}

// Scorer owns the cache and the throttle and is safe for concurrent use. It
// is meant to be created once per process and shared by every transport.
type Scorer struct {
	classifier Classifier
	cache      *ScoreCache
	throttle   *Throttle
	inflight   singleflight.Group
}

// NewScorer creates a Scorer around the given classifier.
func NewScorer(classifier Classifier, config Config) *Scorer {
	return &Scorer{
		classifier: classifier,
		cache:      NewScoreCache(config.CacheTTL),
		throttle:   NewThrottle(config.Cooldown),
	}
}

// Cache exposes the underlying cache (read-only use: metrics, tests).
func (s *Scorer) Cache() *ScoreCache {
	return s.cache
}

// ScoreOne scores a single text. A cache hit returns immediately without
// touching the throttle. Concurrent misses for the same text share one
// backend call. That call waits for a throttle slot, checks the cache again
// (another caller may have filled it while we waited) and only then invokes
// the classifier and caches the result. If the classifier fails the cache is
// left untouched.
func (s *Scorer) ScoreOne(ctx context.Context, text string) (Prediction, error) {
	if pred, ok := s.cached(text); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return pred, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	for {
		ch := s.inflight.DoChan(text, func() (any, error) {
			return s.classifyOne(ctx, text)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				// The caller that started the shared call gave up while
				// waiting for its slot; start over under our own context.
				if !errors.Is(res.Err, ErrBackendUnavailable) && ctx.Err() == nil {
					continue
				}
				return Prediction{}, res.Err
			}
			return res.Val.(Prediction), nil
		case <-ctx.Done():
			return Prediction{}, ctx.Err()
		}
	}
}

func (s *Scorer) classifyOne(ctx context.Context, text string) (Prediction, error) {
	if err := s.acquire(ctx); err != nil {
		return Prediction{}, err
	}
	if pred, ok := s.cached(text); ok {
		return pred, nil
	}

	start := time.Now()
	pred, err := s.classifier.Classify(ctx, text)
	metrics.ClassifierLatency.WithLabelValues("single").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ClassifierCalls.WithLabelValues("single", "error").Inc()
		return Prediction{}, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	metrics.ClassifierCalls.WithLabelValues("single", "ok").Inc()

	s.cache.Put(text, pred.Label, pred.Confidence)
	return pred, nil
}

// ScoreMany scores texts and returns predictions in the same order and of
// the same length. Cached texts are answered from the cache; the remaining
// distinct texts go to the classifier in at most one batch call, throttled
// once for the whole batch. Texts cached by other callers during the throttle
// wait are not sent. If that call fails the whole batch fails and
// nothing is cached.
func (s *Scorer) ScoreMany(ctx context.Context, texts []string) ([]Prediction, error) {
	out := make([]Prediction, len(texts))

	// pending maps each distinct uncached text to the positions awaiting it.
	pending := make(map[string][]int)
	var toInfer []string

	for i, text := range texts {
		if positions, seen := pending[text]; seen {
			pending[text] = append(positions, i)
			continue
		}
		if pred, ok := s.cached(text); ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			out[i] = pred
			continue
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		pending[text] = []int{i}
		toInfer = append(toInfer, text)
	}

	if len(toInfer) == 0 {
		return out, nil
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}

	// Texts scored by someone else while we waited for the slot.
	remaining := toInfer[:0]
	for _, text := range toInfer {
		pred, ok := s.cached(text)
		if !ok {
			remaining = append(remaining, text)
			continue
		}
		for _, i := range pending[text] {
			out[i] = pred
		}
	}
	toInfer = remaining
	if len(toInfer) == 0 {
		return out, nil
	}

	start := time.Now()
	preds, err := s.classifier.ClassifyBatch(ctx, toInfer)
	metrics.ClassifierLatency.WithLabelValues("batch").Observe(time.Since(start).Seconds())
	if err == nil && len(preds) != len(toInfer) {
		err = fmt.Errorf("classifier returned %d results for %d texts", len(preds), len(toInfer))
	}
	if err != nil {
		metrics.ClassifierCalls.WithLabelValues("batch", "error").Inc()
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	metrics.ClassifierCalls.WithLabelValues("batch", "ok").Inc()

	for j, text := range toInfer {
		pred := preds[j]
		s.cache.Put(text, pred.Label, pred.Confidence)
		for _, i := range pending[text] {
			out[i] = pred
		}
	}
	return out, nil
}

func (s *Scorer) cached(text string) (Prediction, bool) {
	entry, ok := s.cache.Get(text)
	if !ok {
		return Prediction{}, false
	}
	return Prediction{Label: entry.Label, Confidence: entry.Confidence}, true
}

// WarmupText is scored once at startup.
const WarmupText = "warmup message"

// Warmup scores WarmupText so the first real request does not pay for a cold
// backend. The result is cached like any other prediction.
func (s *Scorer) Warmup(ctx context.Context) error {
	_, err := s.ScoreOne(ctx, WarmupText)
	return err
}

// acquire waits for a throttle slot and records how long that took.
func (s *Scorer) acquire(ctx context.Context) error {
	start := time.Now()
	err := s.throttle.Acquire(ctx)
	metrics.ThrottleWait.Observe(time.Since(start).Seconds())
	return err
}
