package moderation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/moderation/internal/metrics"
	"github.com/whisper/moderation/internal/policy"
)

var (
	// ErrCancelledSubmission resolves calls still queued when the coalescer
	// shuts down.
	ErrCancelledSubmission = errors.New("moderation: submission cancelled")

	// ErrCoalescerClosed is returned by Enqueue after Shutdown.
	ErrCoalescerClosed = errors.New("moderation: coalescer closed")
)

// CoalescerConfig controls batching.
type CoalescerConfig struct {
	BatchSize int           // flush once this many calls are collected
	MaxWait   time.Duration // wait this long for each additional call
}

// DefaultCoalescerConfig returns 32 calls / 10ms.
func DefaultCoalescerConfig() CoalescerConfig {
	return CoalescerConfig{
		BatchSize: 32,
		MaxWait:   10 * time.Millisecond,
	}
}

type outcome struct {
	decision policy.Decision
	err      error
}

// PendingCall is the completion handle for one enqueued request. It is
// resolved exactly once.
type PendingCall struct {
	req  Request
	done chan outcome
}

// Request returns the request this call was created for.
func (p *PendingCall) Request() Request {
	return p.req
}

// Wait blocks until the call is resolved or ctx ends. Abandoning a call is
// safe: its result is dropped into a buffered channel.
func (p *PendingCall) Wait(ctx context.Context) (policy.Decision, error) {
	select {
	case o := <-p.done:
		return o.decision, o.err
	case <-ctx.Done():
		return policy.Decision{}, ctx.Err()
	}
}

func (p *PendingCall) resolve(d policy.Decision, err error) {
	p.done <- outcome{decision: d, err: err}
}

// Coalescer gathers single requests from one connection into batches. One
// worker goroutine drains a FIFO queue: it blocks for the first call, then
// keeps collecting while each further call arrives within MaxWait, up to
// BatchSize, and flushes the group with one ModerateBatch.
type Coalescer struct {
	engine BatchModerator
	config CoalescerConfig
	logger zerolog.Logger

	mu     sync.Mutex
	queue  []*PendingCall
	closed bool

	wake     chan struct{}
	quit     chan struct{}
	finished chan struct{}
	once     sync.Once
}

// NewCoalescer starts the worker. Call Shutdown when the connection ends.
func NewCoalescer(engine BatchModerator, config CoalescerConfig, logger zerolog.Logger) *Coalescer {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultCoalescerConfig().BatchSize
	}
	if config.MaxWait < 0 {
		config.MaxWait = 0
	}

	c := &Coalescer{
		engine:   engine,
		config:   config,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go c.run()
	return c
}

// Enqueue appends req to the queue and returns its completion handle.
func (c *Coalescer) Enqueue(req Request) (*PendingCall, error) {
	p := &PendingCall{req: req, done: make(chan outcome, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoalescerClosed
	}
	c.queue = append(c.queue, p)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return p, nil
}

// Submit enqueues req and waits for its decision.
func (c *Coalescer) Submit(ctx context.Context, req Request) (policy.Decision, error) {
	p, err := c.Enqueue(req)
	if err != nil {
		return policy.Decision{}, err
	}
	return p.Wait(ctx)
}

// Shutdown stops the worker and resolves every queued call with
// ErrCancelledSubmission. A batch already handed to the engine finishes and
// its results are delivered normally. Safe to call more than once.
func (c *Coalescer) Shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.queue
		c.queue = nil
		c.mu.Unlock()

		close(c.quit)
		for _, p := range pending {
			p.resolve(policy.Decision{}, ErrCancelledSubmission)
		}
	})
}

// Done is closed once the worker has exited.
func (c *Coalescer) Done() <-chan struct{} {
	return c.finished
}

func (c *Coalescer) run() {
	defer close(c.finished)

	for {
		first, ok := c.next(nil)
		if !ok {
			return
		}
		batch := []*PendingCall{first}

		closed := false
		for len(batch) < c.config.BatchSize {
			timer := time.NewTimer(c.config.MaxWait)
			p, ok := c.next(timer.C)
			timer.Stop()
			if !ok {
				closed = c.isClosed()
				break
			}
			batch = append(batch, p)
		}

		if closed {
			for _, p := range batch {
				p.resolve(policy.Decision{}, ErrCancelledSubmission)
			}
			return
		}
		c.flush(batch)
	}
}

// next pops the oldest queued call, waiting until one arrives, timeout fires
// or the coalescer is shut down. A nil timeout waits indefinitely.
func (c *Coalescer) next(timeout <-chan time.Time) (*PendingCall, bool) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			p := c.queue[0]
			c.queue[0] = nil
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return p, true
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-timeout:
			return nil, false
		case <-c.quit:
			return nil, false
		}
	}
}

func (c *Coalescer) isClosed() bool {
	select {
	case <-c.quit:
		return true
	default:
		return false
	}
}

func (c *Coalescer) flush(batch []*PendingCall) {
	metrics.BatchSize.Observe(float64(len(batch)))

	reqs := make([]Request, len(batch))
	for i, p := range batch {
		reqs[i] = p.req
	}

	decisions, err := c.engine.ModerateBatch(context.Background(), reqs)
	if err == nil && len(decisions) != len(batch) {
		err = errors.New("moderation: batch result size mismatch")
	}
	if err != nil {
		c.logger.Warn().Err(err).Int("batch", len(batch)).Msg("batch moderation failed")
		for _, p := range batch {
			p.resolve(policy.Decision{}, err)
		}
		return
	}

	for i, p := range batch {
		p.resolve(decisions[i], nil)
	}
}
