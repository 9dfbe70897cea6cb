// Package room maps conversation ids to the set of live connections
// subscribed to them. Rooms are created lazily on first join and removed when
// the last member leaves; a room has no identity beyond its current members.
package room

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/mindwell/chat-gateway/internal/metrics"
)

// Sender delivers raw event bytes to a connection. Delivery to a connection
// that is no longer registered must be a silent no-op.
type Sender interface {
	Send(connID string, data []byte) error
}

// Relay forwards a broadcast beyond the local process (e.g. to sibling
// gateway instances over NATS). It is optional.
type Relay func(roomID string, data []byte)

// Router tracks room membership and fans events out to members.
type Router struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{} // roomID -> set of connIDs
	joined map[string]map[string]struct{} // connID -> set of roomIDs
	sender Sender
	relay  Relay
	log    zerolog.Logger
}

// NewRouter creates an empty Router delivering through the given sender.
func NewRouter(sender Sender, log zerolog.Logger) *Router {
	return &Router{
		rooms:  make(map[string]map[string]struct{}),
		joined: make(map[string]map[string]struct{}),
		sender: sender,
		log:    log.With().Str("component", "room").Logger(),
	}
}

// SetRelay installs a cross-instance relay invoked on every local Broadcast.
func (r *Router) SetRelay(relay Relay) {
	r.mu.Lock()
	r.relay = relay
	r.mu.Unlock()
}

// Join adds the connection to the room, creating the room if absent.
func (r *Router) Join(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
		metrics.ActiveRooms.Inc()
	}
	members[connID] = struct{}{}

	rooms, ok := r.joined[connID]
	if !ok {
		rooms = make(map[string]struct{})
		r.joined[connID] = rooms
	}
	rooms[roomID] = struct{}{}
}

// Leave removes the connection from the room, deleting the room entry when it
// becomes empty. Leaving a room the connection never joined is a no-op.
func (r *Router) Leave(connID, roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, roomID)
}

func (r *Router) leaveLocked(connID, roomID string) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
			metrics.ActiveRooms.Dec()
		}
	}
	if rooms, ok := r.joined[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.joined, connID)
		}
	}
}

// LeaveAll removes the connection from every room it had joined and returns
// the rooms it left. Called on disconnect.
func (r *Router) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.joined[connID]
	left := make([]string, 0, len(rooms))
	for roomID := range rooms {
		left = append(left, roomID)
	}
	for _, roomID := range left {
		r.leaveLocked(connID, roomID)
	}
	return left
}

// Broadcast delivers the event bytes to every current member of the room and
// forwards it to the relay, if one is installed. Send errors on individual
// members are ignored; closed transports are skipped, not removed.
func (r *Router) Broadcast(roomID string, data []byte) {
	r.mu.RLock()
	relay := r.relay
	members := r.membersLocked(roomID)
	r.mu.RUnlock()

	r.deliver(roomID, members, data)

	if relay != nil {
		relay(roomID, data)
	}
}

// BroadcastLocal delivers only to local members, skipping the relay. Used by
// the cross-instance bridge to avoid echo loops.
func (r *Router) BroadcastLocal(roomID string, data []byte) {
	r.mu.RLock()
	members := r.membersLocked(roomID)
	r.mu.RUnlock()

	r.deliver(roomID, members, data)
}

func (r *Router) deliver(roomID string, members []string, data []byte) {
	for _, connID := range members {
		if err := r.sender.Send(connID, data); err != nil {
			r.log.Debug().Str("room", roomID).Str("conn", connID).Err(err).
				Msg("skipping member with failed transport")
		}
	}
}

// Members returns a snapshot of the room's member connection ids.
func (r *Router) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.membersLocked(roomID)
}

func (r *Router) membersLocked(roomID string) []string {
	members := make([]string, 0, len(r.rooms[roomID]))
	for connID := range r.rooms[roomID] {
		members = append(members, connID)
	}
	return members
}

// Rooms returns a snapshot of the rooms the connection has joined.
func (r *Router) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.joined[connID]))
	for roomID := range r.joined[connID] {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// Contains reports whether the connection is currently a member of the room.
func (r *Router) Contains(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][connID]
	return ok
}

// Count returns the number of active rooms.
func (r *Router) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
