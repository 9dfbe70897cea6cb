package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/mindwell/chat-gateway/internal/delivery"
	"github.com/mindwell/chat-gateway/internal/protocol"
	"github.com/mindwell/chat-gateway/internal/room"
)

// StreamMessage runs the delivery flow over a server-sent event stream: the
// client receives a "connected" frame, then each flow event as a "message"
// frame with the same ordering and pacing as the socket transport, and
// finally a "complete" or "error" frame.
func (h *Handler) StreamMessage(w http.ResponseWriter, r *http.Request) {
	user := UserFrom(r.Context())
	chatID := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.Error(w, http.StatusInternalServerError, protocol.CodeInternal, "streaming unsupported")
		return
	}

	var body struct {
		Content   string `json:"content"`
		AgentID   string `json:"agentId"`
		MessageID string `json:"messageId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.Error(w, http.StatusBadRequest, protocol.CodeParseError, "invalid request body")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher, rooms: h.rooms, roomID: chatID}
	sink.frame("connected", map[string]string{"chatId": chatID})

	req := delivery.SendRequest{
		ConversationID: chatID,
		UserID:         user.ID,
		AgentID:        body.AgentID,
		Content:        body.Content,
		CorrelationID:  body.MessageID,
	}
	result, ferr := h.flows.Send(r.Context(), sink, req)
	if ferr != nil {
		sink.frame("error", protocol.ErrorEvent{
			ErrorMessage: ferr.Message,
			Code:         ferr.Code,
			RetryAfter:   ferr.RetryAfter,
		})
		return
	}

	sink.frame("complete", map[string]interface{}{
		"chatId":   chatID,
		"segments": len(result.Replies),
		"fallback": result.FromFallback,
	})
}

// sseSink writes flow events as SSE frames and mirrors them to the room's
// socket subscribers, so other devices of the same user stay in sync.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	rooms   *room.Router
	roomID  string
}

func (s *sseSink) Emit(eventType string, payload interface{}) {
	data, err := protocol.NewServerEvent(eventType, payload)
	if err != nil {
		return
	}
	s.write("message", data)
	if s.rooms != nil {
		s.rooms.Broadcast(s.roomID, data)
	}
}

// frame writes a stream-control frame (connected, complete, error).
func (s *sseSink) frame(frameType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.write(frameType, data)
}

func (s *sseSink) write(frameType string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.w.Write([]byte("event: " + frameType + "\n"))
	s.w.Write([]byte("data: "))
	s.w.Write(data)
	s.w.Write([]byte("\n\n"))
	s.flusher.Flush()
}
