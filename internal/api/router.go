package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/mindwell/chat-gateway/internal/auth"
	"github.com/mindwell/chat-gateway/internal/metrics"
)

// NewRouter creates and configures the HTTP router. The socket upgrade is
// mounted only when the handler carries a socket server.
func NewRouter(logger zerolog.Logger, h *Handler, authenticator *auth.Authenticator) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Operational endpoints, no auth.
	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())
	if h.socket != nil {
		// The socket carries its own credential in the upgrade request.
		r.Get("/ws", h.socket.HandleUpgrade)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(authenticator))

		r.Get("/chats", h.ListChats)
		r.Post("/chats", h.CreateChat)
		r.Get("/chats/{id}", h.GetChat)
		r.Patch("/chats/{id}", h.UpdateChat)
		r.Delete("/chats/{id}", h.DeleteChat)

		r.Get("/chats/{id}/messages", h.ListMessages)
		r.Post("/chats/{id}/messages", h.SendMessage)
		r.Get("/chats/{id}/messages/poll", h.PollMessages)
		r.Post("/chats/{id}/messages/read", h.MarkMessagesRead)
		r.Post("/chats/{id}/messages/stream", h.StreamMessage)
	})

	return r
}
