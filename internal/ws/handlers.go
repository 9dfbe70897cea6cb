package ws

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mindwell/chat-gateway/internal/delivery"
	"github.com/mindwell/chat-gateway/internal/metrics"
	"github.com/mindwell/chat-gateway/internal/protocol"
	"github.com/mindwell/chat-gateway/internal/ratelimit"
	"github.com/mindwell/chat-gateway/internal/room"
)

// EventHandlers binds the socket events to the delivery flow, room router and
// rate limiter.
type EventHandlers struct {
	server   *Server
	rooms    *room.Router
	flows    *delivery.Orchestrator
	limiter  *ratelimit.Limiter
	dispatch *Dispatcher
	log      zerolog.Logger
}

// NewEventHandlers creates the handler set.
func NewEventHandlers(server *Server, rooms *room.Router, flows *delivery.Orchestrator,
	limiter *ratelimit.Limiter, log zerolog.Logger) *EventHandlers {
	return &EventHandlers{
		server:  server,
		rooms:   rooms,
		flows:   flows,
		limiter: limiter,
		log:     log.With().Str("component", "handlers").Logger(),
	}
}

// Bind registers the handlers on the dispatcher and wires connection cleanup:
// a disconnect removes the connection from every room it had joined.
func (h *EventHandlers) Bind(d *Dispatcher) {
	h.dispatch = d
	d.Register(protocol.TypeMessage, h.handleMessage)
	d.Register(protocol.TypeTyping, h.handleTyping)
	d.Register(protocol.TypeReadReceipt, h.handleReadReceipt)
	d.Register(protocol.TypeChatUpdate, h.handleChatUpdate)

	h.server.SetOnMessage(d.Dispatch)
	h.server.SetOnDisconnect(func(connID string) {
		left := h.rooms.LeaveAll(connID)
		if len(left) > 0 {
			h.log.Debug().Str("conn", connID).Strs("rooms", left).Msg("left rooms on disconnect")
		}
	})
}

// roomSink emits flow events to the conversation's room. If the origin
// connection has not joined the room it also receives the events directly, so
// the requesting client never misses its own flow.
type roomSink struct {
	rooms    *room.Router
	server   *Server
	roomID   string
	originID string
}

func (s roomSink) Emit(eventType string, payload interface{}) {
	data, err := protocol.NewServerEvent(eventType, payload)
	if err != nil {
		return
	}
	s.rooms.Broadcast(s.roomID, data)
	if !s.rooms.Contains(s.originID, s.roomID) {
		_ = s.server.Send(s.originID, data)
	}
}

func (h *EventHandlers) handleMessage(conn *Connection, event interface{}) {
	msg, ok := event.(protocol.ChatMessage)
	if !ok || msg.ChatID == "" {
		h.dispatch.SendError(conn, protocol.CodeValidationFailed, "missing chatId", 0)
		return
	}

	req := delivery.SendRequest{
		ConversationID: msg.ChatID,
		UserID:         conn.UserID,
		AgentID:        msg.AgentID,
		Content:        msg.Content,
		CorrelationID:  msg.MessageID,
	}
	sink := roomSink{rooms: h.rooms, server: h.server, roomID: msg.ChatID, originID: conn.ID}

	// The flow suspends on the upstream call and pacing delays; it must not
	// block the read worker.
	go func() {
		if _, ferr := h.flows.Send(context.Background(), sink, req); ferr != nil {
			metrics.DeliveryErrors.WithLabelValues(ferr.Code).Inc()
			h.dispatch.SendError(conn, ferr.Code, ferr.Message, ferr.RetryAfter)
		}
	}()
}

func (h *EventHandlers) handleTyping(conn *Connection, event interface{}) {
	ev, ok := event.(protocol.TypingEvent)
	if !ok || ev.ChatID == "" {
		h.dispatch.SendError(conn, protocol.CodeValidationFailed, "missing chatId", 0)
		return
	}
	if !h.allow(conn, ratelimit.CategoryTyping) {
		return
	}
	if _, ferr := h.flows.Authorize(context.Background(), ev.ChatID, conn.UserID); ferr != nil {
		h.dispatch.SendError(conn, ferr.Code, ferr.Message, 0)
		return
	}

	data, err := protocol.NewServerEvent(protocol.TypeTyping, protocol.ServerTypingEvent{
		ChatID:   ev.ChatID,
		AgentID:  ev.AgentID,
		IsTyping: ev.IsTyping,
	})
	if err != nil {
		return
	}
	h.rooms.Broadcast(ev.ChatID, data)
}

func (h *EventHandlers) handleReadReceipt(conn *Connection, event interface{}) {
	ev, ok := event.(protocol.ReadReceipt)
	if !ok || ev.ChatID == "" {
		h.dispatch.SendError(conn, protocol.CodeValidationFailed, "missing chatId", 0)
		return
	}
	if !h.allow(conn, ratelimit.CategoryReceipt) {
		return
	}
	if ferr := h.flows.MarkRead(context.Background(), ev.ChatID, conn.UserID, ev.MessageIDs); ferr != nil {
		h.dispatch.SendError(conn, ferr.Code, ferr.Message, 0)
		return
	}

	data, err := protocol.NewServerEvent(protocol.TypeReadReceipt, protocol.ReadReceiptEvent{
		ChatID:     ev.ChatID,
		MessageIDs: ev.MessageIDs,
		UserID:     conn.UserID,
	})
	if err != nil {
		return
	}
	h.rooms.Broadcast(ev.ChatID, data)
}

func (h *EventHandlers) handleChatUpdate(conn *Connection, event interface{}) {
	ev, ok := event.(protocol.ChatUpdate)
	if !ok || ev.ChatID == "" {
		h.dispatch.SendError(conn, protocol.CodeValidationFailed, "missing chatId", 0)
		return
	}
	if !h.allow(conn, ratelimit.CategoryJoin) {
		return
	}

	switch ev.Action {
	case protocol.ActionJoin:
		// Ownership is checked before the join so a foreign conversation's
		// events can never be subscribed to.
		if _, ferr := h.flows.Authorize(context.Background(), ev.ChatID, conn.UserID); ferr != nil {
			h.dispatch.SendError(conn, ferr.Code, ferr.Message, 0)
			return
		}
		h.rooms.Join(conn.ID, ev.ChatID)
	case protocol.ActionLeave:
		h.rooms.Leave(conn.ID, ev.ChatID)
	default:
		h.dispatch.SendError(conn, protocol.CodeValidationFailed, "unknown action: "+ev.Action, 0)
		return
	}

	data, err := protocol.NewServerEvent(protocol.TypeChatUpdate, protocol.ChatUpdateEvent{
		Action: ev.Action,
		ChatID: ev.ChatID,
	})
	if err != nil {
		return
	}
	_ = h.server.Send(conn.ID, data)
}

func (h *EventHandlers) allow(conn *Connection, category string) bool {
	if h.limiter.Allow(conn.UserID, category) {
		return true
	}
	retry := int(h.limiter.RetryAfter(conn.UserID, category).Seconds()) + 1
	h.dispatch.SendError(conn, protocol.CodeRateLimited, "too many events, slow down", retry)
	return false
}
