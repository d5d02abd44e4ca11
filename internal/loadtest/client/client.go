// Package client is a WebSocket load test client for the moderation
// endpoint. It uses gobwas/ws like the server, stamps every moderation
// request with a message id and measures the round trip to its result.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/moderation/internal/moderation"
	"github.com/whisper/moderation/internal/protocol"
)

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesSent     int
	MessagesReceived int
	Errors           int
}

// Frame is one server frame delivered to a handler. Latency is set when the
// frame answers a request sent through Moderate.
type Frame struct {
	Type      string
	MessageID string
	Raw       json.RawMessage
	Latency   time.Duration
}

// Client is a single simulated caller.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu       sync.Mutex
	metrics  Metrics
	pending  map[string]time.Time
	handlers map[string]func(Frame)

	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts the read loop. apiKey is sent as X-API-Key when
// set.
func New(ctx context.Context, url, apiKey string) (*Client, error) {
	dialer := ws.Dialer{}
	if apiKey != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{"X-API-Key": []string{apiKey}})
	}

	start := time.Now()
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		pending:  make(map[string]time.Time),
		handlers: make(map[string]func(Frame)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// On registers the handler for a server frame type, replacing any previous
// one. Handlers run on the read loop goroutine.
func (c *Client) On(msgType string, handler func(Frame)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Send writes msg as a JSON text frame.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// Moderate sends one moderation request and returns the message id its
// result will carry.
func (c *Client) Moderate(text, userID, chatID string) (string, error) {
	id := strconv.FormatInt(c.nextID.Add(1), 10)

	c.mu.Lock()
	c.pending[id] = time.Now()
	c.mu.Unlock()

	err := c.Send(protocol.ModerateMsg{
		Type:      protocol.TypeModerate,
		Text:      text,
		UserID:    moderation.StringID(userID),
		ChatID:    moderation.StringID(chatID),
		MessageID: moderation.StringID(id),
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return "", err
	}
	return id, nil
}

// Pending returns how many requests are still awaiting an answer.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// GetMetrics returns a copy of the client's counters.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		var envelope struct {
			Type      string        `json:"type"`
			MessageID moderation.ID `json:"message_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		f := Frame{Type: envelope.Type, MessageID: envelope.MessageID.String(), Raw: data}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		// The escalate follow-up shares the id of its moderation_result.
		if f.MessageID != "" && f.Type != protocol.TypeEscalate {
			if sent, ok := c.pending[f.MessageID]; ok {
				f.Latency = time.Since(sent)
				delete(c.pending, f.MessageID)
			}
		}
		handler := c.handlers[f.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(f)
		}
	}
}
