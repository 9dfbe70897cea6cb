package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindwell/chat-gateway/internal/ai"
	"github.com/mindwell/chat-gateway/internal/api"
	"github.com/mindwell/chat-gateway/internal/auth"
	"github.com/mindwell/chat-gateway/internal/bridge"
	"github.com/mindwell/chat-gateway/internal/config"
	"github.com/mindwell/chat-gateway/internal/delivery"
	"github.com/mindwell/chat-gateway/internal/presence"
	"github.com/mindwell/chat-gateway/internal/ratelimit"
	"github.com/mindwell/chat-gateway/internal/room"
	"github.com/mindwell/chat-gateway/internal/store"
	"github.com/mindwell/chat-gateway/internal/ws"
)

func main() {
	cfg := config.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log := zerolog.New(os.Stdout).With().Timestamp().Str("instance", cfg.Instance).Logger()
	if cfg.IsDevelopment() {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// --- Persistence ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		if err := pg.Migrate(); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		st = pg
		log.Info().Msg("using postgres store")
	} else {
		st = store.NewMemoryStore()
		log.Warn().Msg("DATABASE_URL not set, using in-memory store")
	}
	defer st.Close()

	// --- Presence (optional) ---
	var presenceStore *presence.Store
	if cfg.RedisAddr != "" {
		var err error
		presenceStore, err = presence.NewStore(cfg.RedisAddr, cfg.Instance)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer presenceStore.Close()
		log.Info().Str("addr", cfg.RedisAddr).Msg("presence store connected")
	}

	// --- Core components ---
	authenticator := auth.New(cfg.JWTSecret, st, log)

	// The in-memory store starts empty; seed a user so the development
	// deployment is usable out of the box.
	if mem, ok := st.(*store.MemoryStore); ok && cfg.IsDevelopment() {
		devUser := &store.User{ID: uuid.NewString(), Email: "dev@localhost", DisplayName: "Dev User"}
		mem.AddUser(devUser)
		if token, err := authenticator.Issue(devUser.ID, 24*time.Hour); err == nil {
			log.Info().Str("user", devUser.ID).Str("token", token).Msg("seeded development user")
		}
	}
	limiter := ratelimit.New(ratelimit.DefaultRule)

	completer := ai.NewClient(ai.DefaultClientConfig(cfg.AIBaseURL), log)
	var fallback *ai.FallbackResponder
	if cfg.AIFallbackMode == ai.ModeBestEffort {
		fallback = ai.NewFallbackResponder()
	}

	flowConfig := delivery.DefaultConfig()
	flowConfig.FallbackMode = cfg.AIFallbackMode
	flows := delivery.New(st, completer, fallback, limiter, flowConfig, log)

	// --- Socket transport ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout

	socket := ws.NewServer(wsConfig, authenticator, presenceStore, log)
	rooms := room.NewRouter(socket, log)

	dispatcher := ws.NewDispatcher(socket, log)
	handlers := ws.NewEventHandlers(socket, rooms, flows, limiter, log)
	handlers.Bind(dispatcher)

	if err := socket.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start socket transport")
	}

	// --- Cross-instance room bridge (optional) ---
	if cfg.NATSURL != "" {
		b, err := bridge.New(bridge.DefaultConfig(cfg.NATSURL, cfg.Instance), rooms, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect room bridge")
		}
		defer b.Close()
	}

	// --- HTTP surface ---
	h := api.NewHandler(st, flows, rooms, socket, presenceStore, log)
	router := api.NewRouter(log, h, authenticator)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("fallback_mode", cfg.AIFallbackMode).
			Msg("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// --- Graceful shutdown ---
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}
	if err := socket.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("socket shutdown error")
	}
	log.Info().Msg("gateway stopped")
}
