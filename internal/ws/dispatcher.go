package ws

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindwell/chat-gateway/internal/metrics"
	"github.com/mindwell/chat-gateway/internal/protocol"
)

// EventHandler is the callback signature for a parsed client event. The event
// parameter is the concrete struct returned by protocol.ParseClientEvent
// (e.g., protocol.ChatMessage, protocol.TypingEvent).
type EventHandler func(conn *Connection, event interface{})

// Dispatcher routes inbound socket events to registered handlers by event
// type. It answers the built-in ping keepalive internally and sends
// structured error events for malformed or unsupported payloads.
type Dispatcher struct {
	handlers map[string]EventHandler
	server   *Server
	log      zerolog.Logger
}

// NewDispatcher creates a Dispatcher bound to the given server. The server
// reference is used to send responses back to clients.
func NewDispatcher(server *Server, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]EventHandler),
		server:   server,
		log:      log.With().Str("component", "dispatch").Logger(),
	}
}

// Register associates an EventHandler with an event type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *Dispatcher) Register(eventType string, handler EventHandler) {
	d.handlers[eventType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed event, answers ping internally, and routes everything else to
// the registered handler. Parse errors and unregistered types result in an
// error event sent back to the client.
func (d *Dispatcher) Dispatch(conn *Connection, data []byte) {
	eventType, event, err := protocol.ParseClientEvent(data)
	if err != nil {
		d.log.Debug().Str("conn", conn.ID).Err(err).Msg("dispatch parse error")
		d.SendError(conn, protocol.CodeParseError, "invalid event format", 0)
		return
	}
	metrics.EventsTotal.WithLabelValues(eventType).Inc()

	if eventType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[eventType]
	if !ok {
		d.log.Debug().Str("conn", conn.ID).Str("type", eventType).Msg("unsupported event type")
		d.SendError(conn, protocol.CodeUnsupportedType, "unsupported event type", 0)
		return
	}

	handler(conn, event)
}

// SendError sends a structured error event to the client: exactly one per
// failed action. retryAfter (seconds) is included for rate_limited errors.
func (d *Dispatcher) SendError(conn *Connection, code, message string, retryAfter int) {
	data, err := protocol.NewServerEvent(protocol.TypeError, protocol.ErrorEvent{
		ErrorMessage: message,
		Code:         code,
		RetryAfter:   retryAfter,
	})
	if err != nil {
		d.log.Error().Str("conn", conn.ID).Err(err).Msg("failed to build error event")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug().Str("conn", conn.ID).Err(err).Msg("failed to send error event")
	}
}

// sendPong answers a client ping and refreshes the connection's activity
// timestamp.
func (d *Dispatcher) sendPong(conn *Connection) {
	conn.TouchActivity()

	data, err := protocol.NewServerEvent(protocol.TypePong, protocol.PongEvent{})
	if err != nil {
		d.log.Error().Str("conn", conn.ID).Err(err).Msg("failed to build pong event")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		d.log.Debug().Str("conn", conn.ID).Err(err).Msg("failed to send pong event")
	}

	if d.server != nil && d.server.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := d.server.presence.Touch(ctx, conn.ID); err != nil {
			d.log.Debug().Str("conn", conn.ID).Err(err).Msg("failed to touch presence")
		}
	}
}
