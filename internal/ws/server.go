// Package ws is the persistent socket transport: it upgrades authenticated
// HTTP requests to WebSocket connections, tracks them in a registry backed by
// Linux epoll for I/O readiness, and dispatches inbound frames to the event
// dispatcher.
package ws

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mindwell/chat-gateway/internal/metrics"
	"github.com/mindwell/chat-gateway/internal/presence"
	"github.com/mindwell/chat-gateway/internal/protocol"
	"github.com/mindwell/chat-gateway/internal/store"
)

// Authenticator validates a credential and resolves it to a user. Implemented
// by the auth package.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*store.User, error)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server owns the socket transport. It upgrades connections, registers them
// with an epoll instance for readiness notifications, and hands ready
// connections to a bounded worker pool for frame reading. The upgrade handler
// is mounted on the gateway's HTTP router; the server does not listen itself.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	registry     *Registry
	auth         Authenticator
	presence     *presence.Store // optional cross-instance connection presence
	workerPool   chan struct{}   // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(connID string)
	bufPool      sync.Pool
	done         chan struct{}
	startedAt    time.Time
	log          zerolog.Logger
}

// NewServer creates a Server. presenceStore may be nil when running a single
// instance. The onMessage callback is invoked from a worker goroutine for
// every complete text frame.
func NewServer(config ServerConfig, auth Authenticator, presenceStore *presence.Store, log zerolog.Logger) *Server {
	return &Server{
		config:     config,
		registry:   NewRegistry(),
		auth:       auth,
		presence:   presenceStore,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
		log: log.With().Str("component", "ws").Logger(),
	}
}

// SetOnMessage registers the frame callback. Must be called before Start.
func (s *Server) SetOnMessage(fn func(conn *Connection, data []byte)) {
	s.onMessage = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close), before presence state
// is deleted.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Start initializes the epoll instance and begins the event loop and
// heartbeat monitor in background goroutines.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()

	go s.eventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	s.log.Info().Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).Msg("socket transport started")
	return nil
}

// HandleUpgrade authenticates and upgrades an HTTP request to a WebSocket
// connection. The credential is taken from the "token" query parameter
// (browsers cannot set headers on WebSocket requests). An invalid credential
// rejects the upgrade outright.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.registry.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	user, authErr := s.auth.Authenticate(r.Context(), r.URL.Query().Get("token"))

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	// A failed credential still gets a structured error event before the
	// connection is closed; it is never registered.
	if authErr != nil {
		s.log.Debug().Err(authErr).Msg("rejected unauthenticated connection")
		if data, err := protocol.NewServerEvent(protocol.TypeError, protocol.ErrorEvent{
			ErrorMessage: "authentication failed",
			Code:         protocol.CodeAuthFailed,
		}); err == nil {
			_ = wsutil.WriteServerMessage(conn, ws.OpText, data)
		}
		conn.Close()
		return
	}

	connID := uuid.New().String()
	c := &Connection{
		ID:        connID,
		UserID:    user.ID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
	}
	c.TouchActivity()

	s.registry.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		s.log.Error().Str("conn", connID).Err(err).Msg("epoll add failed")
		s.registry.Remove(connID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.presence.Create(ctx, connID, user.ID); err != nil {
			s.log.Warn().Str("conn", connID).Err(err).Msg("failed to record presence")
		}
	}

	if data, err := protocol.NewServerEvent(protocol.TypeConnected, protocol.ConnectedEvent{
		ConnectionID: connID,
		UserID:       user.ID,
	}); err == nil {
		if err := c.WriteMessage(data); err != nil {
			s.log.Warn().Str("conn", connID).Err(err).Msg("failed to send connected event")
		}
	}

	s.log.Info().Str("conn", connID).Str("user", user.ID).
		Int("total", s.registry.Count()).Msg("connection established")
}

// eventLoop runs the epoll wait loop. Each batch of ready connections is
// dispatched to worker goroutines bounded by the pool semaphore.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				s.log.Error().Err(err).Msg("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so control frames are handled without blocking on a data
// frame that may never arrive.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.registry.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.TouchActivity()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from epoll and the registry and
// closes the underlying network connection. Exported so the heartbeat monitor
// can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Only proceed if the connection was actually registered; prevents double
	// cleanup when a read error and a heartbeat timeout race.
	if !s.registry.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.presence.Delete(ctx, c.ID); err != nil {
			s.log.Warn().Str("conn", c.ID).Err(err).Msg("failed to delete presence")
		}
	}

	s.log.Info().Str("conn", c.ID).Int("total", s.registry.Count()).Msg("connection closed")
}

// Send writes a text frame to the connection identified by connID. Sending to
// a connection that is no longer registered is a silent no-op: a disconnect
// mid-flight must not fail the flow that is emitting to it.
func (s *Server) Send(connID string, data []byte) error {
	c := s.registry.Get(connID)
	if c == nil {
		return nil
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.WriteMessage(data)
	_ = c.Conn.SetWriteDeadline(time.Time{})

	if err != nil {
		metrics.SendFailures.Inc()
	}
	return err
}

// Registry returns the connection registry for external access (heartbeat,
// handlers, health reporting).
func (s *Server) Registry() *Registry {
	return s.registry
}

// Uptime returns how long the transport has been running.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startedAt)
}

// Shutdown stops the event loop, closes all active connections, and cleans up
// the epoll instance.
func (s *Server) Shutdown() error {
	s.log.Info().Msg("shutting down socket transport")
	close(s.done)

	for _, c := range s.registry.All() {
		if s.presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = s.presence.Delete(ctx, c.ID)
			cancel()
		}
		_ = s.epoll.Remove(c.Conn)
		c.Close()
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}
	s.log.Info().Msg("socket transport stopped")
	return nil
}

// isEINTR checks if the error is an interrupted syscall (EINTR), which is
// expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
