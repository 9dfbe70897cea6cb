package ws

import (
	"net"
	"sync"
	"testing"
	"time"
)

func newPipeConnection(t *testing.T, id, userID string) *Connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return &Connection{ID: id, UserID: userID, Conn: server, Fd: -1}
}

func TestRegistry_AddGetRemove(t *testing.T) {
	reg := NewRegistry()
	c := newPipeConnection(t, "conn-1", "user-1")

	reg.Add(c)
	if got := reg.Get("conn-1"); got != c {
		t.Fatal("Get should return the registered connection")
	}
	if reg.Count() != 1 {
		t.Errorf("Count = %d, want 1", reg.Count())
	}

	if !reg.Remove("conn-1") {
		t.Error("Remove should report the connection was present")
	}
	if reg.Get("conn-1") != nil {
		t.Error("connection still resolvable after Remove")
	}
	if reg.Count() != 0 {
		t.Errorf("Count = %d, want 0", reg.Count())
	}

	// Double removal must be a no-op, not a panic.
	if reg.Remove("conn-1") {
		t.Error("second Remove should report absence")
	}
}

func TestConnection_ActivityTimestamp(t *testing.T) {
	c := newPipeConnection(t, "conn-1", "user-1")

	before := time.Now()
	c.TouchActivity()
	got := c.LastActivity()
	if got.Before(before) || got.After(time.Now()) {
		t.Errorf("LastActivity = %v, want within [%v, now]", got, before)
	}

	// Touched from read workers while the heartbeat reads it; must be safe
	// under the race detector.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.TouchActivity()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.LastActivity()
			}
		}()
	}
	wg.Wait()
}

func TestRegistry_All(t *testing.T) {
	reg := NewRegistry()
	reg.Add(newPipeConnection(t, "a", "user-1"))
	reg.Add(newPipeConnection(t, "b", "user-2"))

	all := reg.All()
	if len(all) != 2 {
		t.Fatalf("All returned %d connections, want 2", len(all))
	}
	seen := map[string]bool{}
	for _, c := range all {
		seen[c.ID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Errorf("All = %v", seen)
	}
}
