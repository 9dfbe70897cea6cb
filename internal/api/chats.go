package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mindwell/chat-gateway/internal/delivery"
	"github.com/mindwell/chat-gateway/internal/persona"
	"github.com/mindwell/chat-gateway/internal/protocol"
	"github.com/mindwell/chat-gateway/internal/room"
	"github.com/mindwell/chat-gateway/internal/store"
)

// ListChats returns the authenticated user's conversations, most recently
// active first.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())

	convs, err := h.store.ListConversations(r.Context(), user.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list conversations")
		h.Error(w, http.StatusInternalServerError, protocol.CodePersistence, "failed to list chats")
		return
	}

	out := make([]apiConversation, 0, len(convs))
	for i := range convs {
		out = append(out, toAPIConversation(&convs[i]))
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"chats": out})
}

// CreateChat creates a conversation with the given persona.
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())

	var body struct {
		AgentID string `json:"agentId"`
		Title   string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.Error(w, http.StatusBadRequest, protocol.CodeParseError, "invalid request body")
		return
	}
	if !persona.Valid(body.AgentID) {
		h.Error(w, http.StatusBadRequest, protocol.CodeValidationFailed, "unknown persona: "+body.AgentID)
		return
	}

	p, _ := persona.Get(body.AgentID)
	title := body.Title
	if title == "" {
		title = "Chat with " + p.Name
	}

	conv := &store.Conversation{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		PersonaID: body.AgentID,
		Title:     title,
	}
	if err := h.store.CreateConversation(r.Context(), conv); err != nil {
		h.log.Error().Err(err).Msg("failed to create conversation")
		h.Error(w, http.StatusInternalServerError, protocol.CodePersistence, "failed to create chat")
		return
	}
	h.JSON(w, http.StatusCreated, toAPIConversation(conv))
}

// GetChat returns one conversation after an ownership check.
func (h *Handler) GetChat(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())

	conv, ferr := h.flows.Authorize(r.Context(), chi.URLParam(r, "id"), user.ID)
	if ferr != nil {
		h.FlowError(w, ferr)
		return
	}
	h.JSON(w, http.StatusOK, toAPIConversation(conv))
}

// UpdateChat renames a conversation.
func (h *Handler) UpdateChat(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	chatID := chi.URLParam(r, "id")

	if _, ferr := h.flows.Authorize(r.Context(), chatID, user.ID); ferr != nil {
		h.FlowError(w, ferr)
		return
	}

	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Title == "" {
		h.Error(w, http.StatusBadRequest, protocol.CodeValidationFailed, "title must not be empty")
		return
	}

	if err := h.store.UpdateConversationTitle(r.Context(), chatID, body.Title); err != nil {
		h.log.Error().Err(err).Msg("failed to rename conversation")
		h.Error(w, http.StatusInternalServerError, protocol.CodePersistence, "failed to rename chat")
		return
	}

	conv, err := h.store.GetConversation(r.Context(), chatID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, protocol.CodePersistence, "failed to load chat")
		return
	}
	h.JSON(w, http.StatusOK, toAPIConversation(conv))
}

// DeleteChat removes a conversation and its messages.
func (h *Handler) DeleteChat(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	chatID := chi.URLParam(r, "id")

	if _, ferr := h.flows.Authorize(r.Context(), chatID, user.ID); ferr != nil {
		h.FlowError(w, ferr)
		return
	}
	if err := h.store.DeleteConversation(r.Context(), chatID); err != nil {
		h.log.Error().Err(err).Msg("failed to delete conversation")
		h.Error(w, http.StatusInternalServerError, protocol.CodePersistence, "failed to delete chat")
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ListMessages returns a page of the conversation's messages, oldest first.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	chatID := chi.URLParam(r, "id")

	if _, ferr := h.flows.Authorize(r.Context(), chatID, user.ID); ferr != nil {
		h.FlowError(w, ferr)
		return
	}

	opts := store.ListOptions{
		Page:  queryInt(r, "page", 1),
		Limit: queryInt(r, "limit", 50),
	}
	msgs, err := h.store.ListMessages(r.Context(), chatID, opts)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list messages")
		h.Error(w, http.StatusInternalServerError, protocol.CodePersistence, "failed to list messages")
		return
	}
	total, err := h.store.CountMessages(r.Context(), chatID)
	if err != nil {
		h.Error(w, http.StatusInternalServerError, protocol.CodePersistence, "failed to count messages")
		return
	}

	out := make([]apiMessage, 0, len(msgs))
	for i := range msgs {
		out = append(out, toAPIMessage(&msgs[i]))
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{
		"messages": out,
		"page":     opts.Page,
		"limit":    opts.Limit,
		"total":    total,
	})
}

// PollMessages returns messages created after the lastMessageId cursor, for
// clients without a socket connection.
func (h *Handler) PollMessages(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	chatID := chi.URLParam(r, "id")

	if _, ferr := h.flows.Authorize(r.Context(), chatID, user.ID); ferr != nil {
		h.FlowError(w, ferr)
		return
	}

	msgs, err := h.store.MessagesAfter(r.Context(), chatID, r.URL.Query().Get("lastMessageId"), queryInt(r, "limit", 50))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, protocol.CodeNotFound, "unknown message cursor")
			return
		}
		h.log.Error().Err(err).Msg("failed to poll messages")
		h.Error(w, http.StatusInternalServerError, protocol.CodePersistence, "failed to poll messages")
		return
	}

	out := make([]apiMessage, 0, len(msgs))
	for i := range msgs {
		out = append(out, toAPIMessage(&msgs[i]))
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"messages": out})
}

// MarkMessagesRead records read receipts for the given message ids.
func (h *Handler) MarkMessagesRead(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	chatID := chi.URLParam(r, "id")

	var body struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.Error(w, http.StatusBadRequest, protocol.CodeParseError, "invalid request body")
		return
	}

	if ferr := h.flows.MarkRead(r.Context(), chatID, user.ID, body.MessageIDs); ferr != nil {
		h.FlowError(w, ferr)
		return
	}

	// Subscribers with live connections learn about the receipt too.
	if data, err := protocol.NewServerEvent(protocol.TypeReadReceipt, protocol.ReadReceiptEvent{
		ChatID:     chatID,
		MessageIDs: body.MessageIDs,
		UserID:     user.ID,
	}); err == nil {
		h.rooms.Broadcast(chatID, data)
	}

	h.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SendMessage runs the delivery flow synchronously and returns the persisted
// user message and assistant replies in one response. Pacing delays are
// skipped; the caller is blocking.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	chatID := chi.URLParam(r, "id")

	var body struct {
		Content   string `json:"content"`
		AgentID   string `json:"agentId"`
		MessageID string `json:"messageId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.Error(w, http.StatusBadRequest, protocol.CodeParseError, "invalid request body")
		return
	}

	req := delivery.SendRequest{
		ConversationID: chatID,
		UserID:         user.ID,
		AgentID:        body.AgentID,
		Content:        body.Content,
		CorrelationID:  body.MessageID,
		Immediate:      true,
	}

	// Socket subscribers of the room still see the flow's events in real
	// time; the HTTP caller reads the result from the response body.
	sink := broadcastSink{rooms: h.rooms, roomID: chatID}
	result, ferr := h.flows.Send(r.Context(), sink, req)
	if ferr != nil {
		h.FlowError(w, ferr)
		return
	}

	replies := make([]apiMessage, 0, len(result.Replies))
	for _, m := range result.Replies {
		replies = append(replies, toAPIMessage(m))
	}
	h.JSON(w, http.StatusCreated, map[string]interface{}{
		"message":  toAPIMessage(result.UserMessage),
		"replies":  replies,
		"fallback": result.FromFallback,
	})
}

// broadcastSink fans flow events out to the conversation's room subscribers.
type broadcastSink struct {
	rooms  *room.Router
	roomID string
}

func (s broadcastSink) Emit(eventType string, payload interface{}) {
	data, err := protocol.NewServerEvent(eventType, payload)
	if err != nil {
		return
	}
	s.rooms.Broadcast(s.roomID, data)
}
