// Package api is the HTTP surface of the gateway: conversation CRUD, message
// history and polling, the synchronous and streaming send endpoints, and the
// operational endpoints (health, metrics, the socket upgrade).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/mindwell/chat-gateway/internal/delivery"
	"github.com/mindwell/chat-gateway/internal/presence"
	"github.com/mindwell/chat-gateway/internal/protocol"
	"github.com/mindwell/chat-gateway/internal/room"
	"github.com/mindwell/chat-gateway/internal/store"
	"github.com/mindwell/chat-gateway/internal/ws"
)

// Handler contains shared dependencies for all HTTP handlers.
type Handler struct {
	store    store.Store
	flows    *delivery.Orchestrator
	rooms    *room.Router
	socket   *ws.Server      // nil in tests that skip the socket transport
	presence *presence.Store // nil when presence is disabled
	log      zerolog.Logger
}

// NewHandler creates a Handler with the given dependencies.
func NewHandler(st store.Store, flows *delivery.Orchestrator, rooms *room.Router,
	socket *ws.Server, presenceStore *presence.Store, log zerolog.Logger) *Handler {
	return &Handler{
		store:    st,
		flows:    flows,
		rooms:    rooms,
		socket:   socket,
		presence: presenceStore,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code and error code.
func (h *Handler) Error(w http.ResponseWriter, status int, code, message string) {
	h.JSON(w, status, map[string]string{"error": message, "code": code})
}

// FlowError converts a failed delivery flow into an HTTP error response.
func (h *Handler) FlowError(w http.ResponseWriter, ferr *delivery.FlowError) {
	if ferr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ferr.RetryAfter))
	}
	h.Error(w, statusForCode(ferr.Code), ferr.Code, ferr.Message)
}

func statusForCode(code string) int {
	switch code {
	case protocol.CodeValidationFailed, protocol.CodeParseError:
		return http.StatusBadRequest
	case protocol.CodeAuthFailed:
		return http.StatusUnauthorized
	case protocol.CodeForbidden:
		return http.StatusForbidden
	case protocol.CodeNotFound:
		return http.StatusNotFound
	case protocol.CodeRateLimited:
		return http.StatusTooManyRequests
	case protocol.CodeUpstreamDown, protocol.CodeUpstreamProtocol:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// apiConversation is the JSON shape of a conversation.
type apiConversation struct {
	ID           string `json:"id"`
	PersonaID    string `json:"agentId"`
	Title        string `json:"title"`
	MessageCount int    `json:"messageCount"`
	LastMessage  string `json:"lastMessage,omitempty"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
}

func toAPIConversation(c *store.Conversation) apiConversation {
	return apiConversation{
		ID:           c.ID,
		PersonaID:    c.PersonaID,
		Title:        c.Title,
		MessageCount: c.MessageCount,
		LastMessage:  c.LastMessage,
		CreatedAt:    c.CreatedAt.UnixMilli(),
		UpdatedAt:    c.UpdatedAt.UnixMilli(),
	}
}

// apiMessage is the JSON shape of a persisted message.
type apiMessage struct {
	ID        string                 `json:"id"`
	ChatID    string                 `json:"chatId"`
	AgentID   string                 `json:"agentId,omitempty"`
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	CreatedAt int64                  `json:"createdAt"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

func toAPIMessage(m *store.Message) apiMessage {
	return apiMessage{
		ID:        m.ID,
		ChatID:    m.ConversationID,
		AgentID:   m.PersonaID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UnixMilli(),
		Metadata:  m.Metadata,
	}
}

// queryInt parses an integer query parameter, falling back to def.
func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
