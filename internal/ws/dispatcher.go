package ws

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/whisper/moderation/internal/moderation"
	"github.com/whisper/moderation/internal/protocol"
)

// outboundFrame is one entry of a connection's ordered write queue. It holds
// either a ready frame or a call whose decision is still being computed.
type outboundFrame struct {
	data []byte
	call *moderation.PendingCall
}

// session is the per-connection state shared by the reader and the writer.
type session struct {
	ctx       context.Context
	conn      *Connection
	coalescer *moderation.Coalescer
	outbound  chan outboundFrame
	logger    zerolog.Logger
}

// send queues a ready frame behind everything already queued.
func (s *session) send(msgType string, payload any) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("type", msgType).Msg("failed to build frame")
		return
	}
	s.push(outboundFrame{data: data})
}

// await queues a pending decision; the writer emits its frames once it
// resolves.
func (s *session) await(call *moderation.PendingCall) {
	s.push(outboundFrame{call: call})
}

func (s *session) push(f outboundFrame) {
	select {
	case s.outbound <- f:
	case <-s.ctx.Done():
	}
}

func (s *session) sendError(code, message string, messageID moderation.ID) {
	s.send(protocol.TypeError, protocol.ErrorMsg{
		Code:      code,
		Message:   message,
		MessageID: messageID,
	})
}

// messageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type messageHandler func(sess *session, msg any)

// dispatcher routes client frames to handlers by message type. Pings are
// answered internally.
type dispatcher struct {
	handlers map[string]messageHandler
	logger   zerolog.Logger
}

func newDispatcher(logger zerolog.Logger) *dispatcher {
	return &dispatcher{
		handlers: make(map[string]messageHandler),
		logger:   logger,
	}
}

// register associates a handler with a message type, replacing any previous
// one.
func (d *dispatcher) register(msgType string, h messageHandler) {
	d.handlers[msgType] = h
}

// dispatch parses data and routes it. Malformed frames get an error frame
// back and never close the connection.
func (d *dispatcher) dispatch(sess *session, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug().Err(err).Str("conn", sess.conn.ID).Msg("invalid client frame")
		message := "invalid message format"
		if errors.Is(err, protocol.ErrEmptyText) {
			message = "text is required"
		}
		var id moderation.ID
		if m, ok := msg.(protocol.ModerateMsg); ok {
			id = m.MessageID
		}
		sess.sendError(protocol.CodeInvalidMessage, message, id)
		return
	}

	if msgType == protocol.TypePing {
		sess.send(protocol.TypePong, protocol.PongMsg{})
		return
	}

	h, ok := d.handlers[msgType]
	if !ok {
		sess.sendError(protocol.CodeInvalidMessage, "unsupported message type", nil)
		return
	}
	h(sess, msg)
}
