// Package ws serves the streaming moderation WebSocket. Every connection
// gets a reader goroutine, an ordered writer goroutine and its own
// moderation.Coalescer, so messages from one client are batched together
// and answered in the order they were sent.
package ws

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/moderation/internal/metrics"
	"github.com/whisper/moderation/internal/moderation"
	"github.com/whisper/moderation/internal/protocol"
	"github.com/whisper/moderation/internal/ratelimit"
	"github.com/whisper/moderation/internal/scoring"
)

// maxFrameSize caps a client data message, fragmented or not.
const maxFrameSize = 64 * 1024

// RateLimiter decides whether an identifier may submit another message.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	MaxConnections int                        // hard cap on concurrent connections
	WriteTimeout   time.Duration              // bound on a single frame write
	OutboundBuffer int                        // frames queued per connection before the reader blocks
	Coalescer      moderation.CoalescerConfig // per-connection batching
	RateRule       ratelimit.Rule
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections: 10000,
		WriteTimeout:   10 * time.Second,
		OutboundBuffer: 256,
		Coalescer:      moderation.DefaultCoalescerConfig(),
		RateRule:       ratelimit.RuleModerate,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades HTTP requests to WebSocket and runs one moderation session
// per connection. It implements http.Handler.
type Server struct {
	config  ServerConfig
	engine  moderation.BatchModerator
	limiter RateLimiter
	logger  zerolog.Logger

	conns      *ConnectionManager
	dispatcher *dispatcher

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewServer creates a Server. limiter may be nil to disable rate limiting.
// The heartbeat monitor starts immediately and stops on Shutdown.
func NewServer(config ServerConfig, engine moderation.BatchModerator, limiter RateLimiter, logger zerolog.Logger) *Server {
	if config.OutboundBuffer <= 0 {
		config.OutboundBuffer = DefaultServerConfig().OutboundBuffer
	}

	s := &Server{
		config:  config,
		engine:  engine,
		limiter: limiter,
		logger:  logger,
		conns:   NewConnectionManager(),
		done:    make(chan struct{}),
	}
	s.dispatcher = newDispatcher(logger)
	s.dispatcher.register(protocol.TypeModerate, s.handleModerate)

	if config.Heartbeat.Interval > 0 {
		StartHeartbeat(s, config.Heartbeat)
	}
	return s
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Msg("upgrade failed")
		return
	}

	// Deadlines set by http.Server survive the hijack.
	_ = conn.SetDeadline(time.Time{})

	c := newConnection(uuid.NewString(), conn)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	s.logger.Info().Str("conn", c.ID).Int("total", s.conns.Count()).Msg("connection opened")

	s.wg.Add(1)
	defer s.wg.Done()
	s.serve(c)
}

// serve runs the session for c and tears it down when the peer goes away.
func (s *Server) serve(c *Connection) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		ctx:       ctx,
		conn:      c,
		coalescer: moderation.NewCoalescer(s.engine, s.config.Coalescer, s.logger),
		outbound:  make(chan outboundFrame, s.config.OutboundBuffer),
		logger:    s.logger.With().Str("conn", c.ID).Logger(),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(sess)
	}()

	err := s.readLoop(sess)
	if err != nil && !isClosedErr(err) {
		sess.logger.Debug().Err(err).Msg("read loop ended")
	}

	cancel()
	sess.coalescer.Shutdown()
	close(sess.outbound)
	<-writerDone

	s.RemoveConnection(c)
}

// readLoop reads frames until the connection fails or closes. Control frames
// are answered inline; data frames go to the dispatcher.
func (s *Server) readLoop(sess *session) error {
	c := sess.conn
	control := wsutil.ControlFrameHandler(c.Conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         c.Conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}

	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		c.Touch()

		if hdr.OpCode.IsControl() {
			c.writeMu.Lock()
			err := control(hdr, rd)
			c.writeMu.Unlock()
			if err != nil {
				return err
			}
			continue
		}

		if hdr.Length > maxFrameSize {
			return errors.New("ws: frame too large")
		}
		// rd follows continuation frames, so the limit applies to the
		// whole message.
		data, err := io.ReadAll(io.LimitReader(rd, maxFrameSize+1))
		if err != nil {
			return err
		}
		if len(data) > maxFrameSize {
			return errors.New("ws: message too large")
		}
		if hdr.OpCode != ws.OpText || len(data) == 0 {
			continue
		}

		s.dispatcher.dispatch(sess, data)
	}
}

// writeLoop drains the outbound queue in order. Pending calls block the
// queue until their decision arrives, which keeps results in submission
// order.
func (s *Server) writeLoop(sess *session) {
	broken := false
	for f := range sess.outbound {
		frames := [][]byte{f.data}
		if f.call != nil {
			frames = s.decisionFrames(sess, f.call)
		}

		for _, data := range frames {
			if broken || data == nil {
				continue
			}
			if err := sess.conn.WriteMessage(data, s.config.WriteTimeout); err != nil {
				sess.logger.Debug().Err(err).Msg("write failed, closing connection")
				broken = true
				_ = sess.conn.Close()
			}
		}
	}
}

// decisionFrames waits for call and renders its moderation_result frame,
// followed by an escalate frame when the message was escalated.
func (s *Server) decisionFrames(sess *session, call *moderation.PendingCall) [][]byte {
	req := call.Request()

	d, err := call.Wait(sess.ctx)
	if err != nil {
		if sess.ctx.Err() != nil {
			return nil
		}
		code, message := errorFrameFor(err)
		sess.logger.Warn().Err(err).Str("code", code).Msg("moderation failed")
		data, buildErr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:      code,
			Message:   message,
			MessageID: req.MessageID,
		})
		if buildErr != nil {
			return nil
		}
		return [][]byte{data}
	}

	var out [][]byte
	result, err := protocol.NewServerMessage(protocol.TypeModerationResult, protocol.NewResultMsg(req, d))
	if err != nil {
		sess.logger.Error().Err(err).Msg("failed to build result frame")
		return nil
	}
	out = append(out, result)

	if d.Escalated() {
		esc, err := protocol.NewServerMessage(protocol.TypeEscalate, protocol.NewEscalateMsg(req, d))
		if err == nil {
			out = append(out, esc)
		}
	}
	return out
}

// errorFrameFor maps a moderation error to a client-facing code and a
// generic message. Backend error text is never forwarded.
func errorFrameFor(err error) (string, string) {
	switch {
	case errors.Is(err, scoring.ErrBackendUnavailable):
		return protocol.CodeBackendUnavailable, "moderation backend unavailable"
	case errors.Is(err, moderation.ErrCancelledSubmission), errors.Is(err, moderation.ErrCoalescerClosed):
		return protocol.CodeUnavailable, "moderation service is shutting down"
	default:
		return protocol.CodeInternal, "internal error"
	}
}

// handleModerate applies the sender's rate limit and queues the message on
// the connection's coalescer.
func (s *Server) handleModerate(sess *session, msg any) {
	m := msg.(protocol.ModerateMsg)
	req := m.Request()
	metrics.RequestsTotal.WithLabelValues("ws").Inc()

	if !s.allow(sess, req) {
		metrics.RateLimitedTotal.WithLabelValues("ws").Inc()
		sess.send(protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(s.config.RateRule.Window.Seconds()),
			MessageID:  req.MessageID,
		})
		return
	}

	call, err := sess.coalescer.Enqueue(req)
	if err != nil {
		code, message := errorFrameFor(err)
		sess.sendError(code, message, req.MessageID)
		return
	}
	sess.await(call)
}

func (s *Server) allow(sess *session, req moderation.Request) bool {
	if s.limiter == nil {
		return true
	}
	identifier := req.UserID.String()
	if identifier == "" {
		identifier = sess.conn.ID
	}

	ctx, cancel := context.WithTimeout(sess.ctx, time.Second)
	defer cancel()
	ok, _ := s.limiter.Allow(ctx, identifier, s.config.RateRule)
	return ok
}

// RemoveConnection unregisters and closes c. Concurrent calls for the same
// connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = c.Close()
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()
	s.logger.Info().
		Str("conn", c.ID).
		Dur("age", time.Since(c.CreatedAt)).
		Int("total", s.conns.Count()).
		Msg("connection closed")
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the heartbeat, closes every connection and waits for their
// sessions to finish or ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)
		for _, c := range s.conns.All() {
			_ = c.Close()
		}
	})

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.logger.Info().Msg("websocket server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isClosedErr(err error) bool {
	var closed wsutil.ClosedError
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.As(err, &closed)
}
