package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated WebSocket client connection
// with its associated metadata and a write mutex for serializing outbound
// frames.
type Connection struct {
	ID         string     // connection ID (UUID)
	UserID     string     // authenticated owner of the connection
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for epoll lookups
	CreatedAt  time.Time  // when the connection was established
	lastPing   int64      // atomic unix nanos of the last activity from the client
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// TouchActivity records that the client just showed signs of life. Called from
// read workers and the ping handler; the heartbeat goroutine reads it
// concurrently, hence the atomic.
func (c *Connection) TouchActivity() {
	atomic.StoreInt64(&c.lastPing, time.Now().UnixNano())
}

// LastActivity returns when the client was last seen active.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastPing))
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Registry is a thread-safe map of live connections, keyed by both connection
// ID and file descriptor for O(1) lookups from either direction.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Connection // connection_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewRegistry creates an empty Registry ready for use.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (reg *Registry) Add(conn *Connection) {
	reg.mu.Lock()
	reg.byID[conn.ID] = conn
	reg.byFd[conn.Fd] = conn
	reg.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (reg *Registry) Remove(id string) bool {
	reg.mu.Lock()
	conn, ok := reg.byID[id]
	if ok {
		delete(reg.byID, id)
		delete(reg.byFd, conn.Fd)
	}
	reg.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (reg *Registry) Get(id string) *Connection {
	reg.mu.RLock()
	conn := reg.byID[id]
	reg.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (reg *Registry) GetByFd(fd int) *Connection {
	reg.mu.RLock()
	conn := reg.byFd[fd]
	reg.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (reg *Registry) GetByConn(c net.Conn) *Connection {
	return reg.GetByFd(socketFD(c))
}

// Count returns the current number of active connections.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	n := len(reg.byID)
	reg.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (reg *Registry) All() []*Connection {
	reg.mu.RLock()
	conns := make([]*Connection, 0, len(reg.byID))
	for _, conn := range reg.byID {
		conns = append(conns, conn)
	}
	reg.mu.RUnlock()
	return conns
}
