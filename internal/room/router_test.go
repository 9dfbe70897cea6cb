package room

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// recordingSender captures deliveries per connection and can simulate closed
// transports.
type recordingSender struct {
	mu     sync.Mutex
	sent   map[string][][]byte
	closed map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		sent:   make(map[string][][]byte),
		closed: make(map[string]bool),
	}
}

func (s *recordingSender) Send(connID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed[connID] {
		return errors.New("transport closed")
	}
	s.sent[connID] = append(s.sent[connID], data)
	return nil
}

func (s *recordingSender) deliveries(connID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent[connID])
}

func newTestRouter(sender Sender) *Router {
	return NewRouter(sender, zerolog.Nop())
}

func TestBroadcast_DeliversToCurrentMembersOnly(t *testing.T) {
	sender := newRecordingSender()
	r := newTestRouter(sender)

	r.Join("conn-a", "chat-1")
	r.Join("conn-b", "chat-1")
	r.Join("conn-c", "chat-2")

	r.Broadcast("chat-1", []byte("first"))

	if got := sender.deliveries("conn-a"); got != 1 {
		t.Errorf("conn-a deliveries = %d, want 1", got)
	}
	if got := sender.deliveries("conn-b"); got != 1 {
		t.Errorf("conn-b deliveries = %d, want 1", got)
	}
	if got := sender.deliveries("conn-c"); got != 0 {
		t.Errorf("conn-c (other room) deliveries = %d, want 0", got)
	}
}

func TestBroadcast_LeftBeforeAndJoinedAfter(t *testing.T) {
	sender := newRecordingSender()
	r := newTestRouter(sender)

	r.Join("conn-a", "chat-1")
	r.Join("conn-b", "chat-1")
	r.Leave("conn-b", "chat-1")

	r.Broadcast("chat-1", []byte("one"))

	// conn-b left before the broadcast and must receive nothing.
	if got := sender.deliveries("conn-b"); got != 0 {
		t.Errorf("left member deliveries = %d, want 0", got)
	}

	// conn-c joins after the broadcast and must not retroactively receive it.
	r.Join("conn-c", "chat-1")
	if got := sender.deliveries("conn-c"); got != 0 {
		t.Errorf("late joiner deliveries = %d, want 0", got)
	}

	r.Broadcast("chat-1", []byte("two"))
	if got := sender.deliveries("conn-c"); got != 1 {
		t.Errorf("late joiner after second broadcast = %d, want 1", got)
	}
}

func TestBroadcast_ClosedTransportSkippedNotRemoved(t *testing.T) {
	sender := newRecordingSender()
	r := newTestRouter(sender)

	r.Join("conn-a", "chat-1")
	r.Join("conn-b", "chat-1")
	sender.closed["conn-b"] = true

	r.Broadcast("chat-1", []byte("hello"))

	if got := sender.deliveries("conn-a"); got != 1 {
		t.Errorf("open member deliveries = %d, want 1", got)
	}
	// Membership is unchanged; removal only happens via leave/disconnect.
	if !r.Contains("conn-b", "chat-1") {
		t.Error("closed member should remain in the room")
	}
}

func TestLeave_RemovesEmptyRoom(t *testing.T) {
	r := newTestRouter(newRecordingSender())

	r.Join("conn-a", "chat-1")
	if r.Count() != 1 {
		t.Fatalf("room count = %d, want 1", r.Count())
	}

	r.Leave("conn-a", "chat-1")
	if r.Count() != 0 {
		t.Errorf("room count after last leave = %d, want 0", r.Count())
	}
	if len(r.Rooms("conn-a")) != 0 {
		t.Errorf("connection should have no joined rooms left")
	}
}

func TestLeaveAll_DisconnectCleanup(t *testing.T) {
	r := newTestRouter(newRecordingSender())

	r.Join("conn-a", "chat-1")
	r.Join("conn-a", "chat-2")
	r.Join("conn-b", "chat-2")

	left := r.LeaveAll("conn-a")
	sort.Strings(left)
	if len(left) != 2 || left[0] != "chat-1" || left[1] != "chat-2" {
		t.Errorf("LeaveAll returned %v, want [chat-1 chat-2]", left)
	}

	// chat-1 became empty and is gone; chat-2 still has conn-b.
	if r.Count() != 1 {
		t.Errorf("room count = %d, want 1", r.Count())
	}
	if r.Contains("conn-a", "chat-2") {
		t.Error("conn-a should be out of chat-2")
	}
	if !r.Contains("conn-b", "chat-2") {
		t.Error("conn-b membership must survive another connection's cleanup")
	}
}

func TestBroadcast_Relay(t *testing.T) {
	sender := newRecordingSender()
	r := newTestRouter(sender)

	var relayed [][]byte
	r.SetRelay(func(roomID string, data []byte) {
		relayed = append(relayed, data)
	})

	r.Join("conn-a", "chat-1")
	r.Broadcast("chat-1", []byte("x"))
	r.BroadcastLocal("chat-1", []byte("y"))

	if len(relayed) != 1 {
		t.Errorf("relay invocations = %d, want 1 (BroadcastLocal must skip relay)", len(relayed))
	}
	if got := sender.deliveries("conn-a"); got != 2 {
		t.Errorf("local deliveries = %d, want 2", got)
	}
}
