// Package bridge relays room broadcasts between gateway instances over NATS,
// so a conversation's subscribers receive events no matter which instance
// runs the delivery flow. Each instance publishes its local broadcasts tagged
// with its own name and replays everything published by its siblings.
package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/mindwell/chat-gateway/internal/room"
)

// Subject layout: room.<conversation_id>.
const subjectPrefix = "room."

// Config holds NATS connection settings.
type Config struct {
	URL           string // nats://localhost:4222
	Instance      string // unique name of this gateway instance
	ReconnectWait time.Duration
	MaxReconnects int // -1 for infinite
}

// DefaultConfig returns production defaults for the given instance name.
func DefaultConfig(url, instance string) Config {
	return Config{
		URL:           url,
		Instance:      instance,
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// frame is the cross-instance wire format. Origin lets the subscriber drop
// its own publications.
type frame struct {
	Origin string          `json:"origin"`
	Event  json.RawMessage `json:"event"`
}

// Bridge connects a room router to the sibling instances.
type Bridge struct {
	conn     *nats.Conn
	sub      *nats.Subscription
	instance string
	rooms    *room.Router
	log      zerolog.Logger
}

// New connects to NATS, subscribes to all room subjects, and installs itself
// as the router's relay. Received events are replayed to local members only,
// never relayed again.
func New(config Config, rooms *room.Router, log zerolog.Logger) (*Bridge, error) {
	blog := log.With().Str("component", "bridge").Logger()

	opts := []nats.Option{
		nats.Name(config.Instance),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			blog.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			blog.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			blog.Info().Msg("nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("bridge: nats connect: %w", err)
	}

	b := &Bridge{
		conn:     nc,
		instance: config.Instance,
		rooms:    rooms,
		log:      blog,
	}

	b.sub, err = nc.Subscribe(subjectPrefix+">", b.receive)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bridge: nats subscribe: %w", err)
	}

	rooms.SetRelay(b.relay)

	blog.Info().Str("url", nc.ConnectedUrl()).Str("instance", config.Instance).
		Msg("room bridge connected")
	return b, nil
}

// relay publishes a local broadcast to the room's subject.
func (b *Bridge) relay(roomID string, data []byte) {
	payload, err := json.Marshal(frame{Origin: b.instance, Event: data})
	if err != nil {
		b.log.Error().Str("room", roomID).Err(err).Msg("failed to marshal relay frame")
		return
	}
	if err := b.conn.Publish(subjectPrefix+roomID, payload); err != nil {
		b.log.Warn().Str("room", roomID).Err(err).Msg("failed to publish relay frame")
	}
}

// receive replays a sibling's broadcast to local room members. Frames this
// instance published itself are dropped to avoid echo loops.
func (b *Bridge) receive(msg *nats.Msg) {
	roomID := strings.TrimPrefix(msg.Subject, subjectPrefix)
	if roomID == "" || roomID == msg.Subject {
		return
	}

	var f frame
	if err := json.Unmarshal(msg.Data, &f); err != nil {
		b.log.Debug().Str("room", roomID).Err(err).Msg("dropping malformed relay frame")
		return
	}
	if f.Origin == b.instance {
		return
	}

	b.rooms.BroadcastLocal(roomID, f.Event)
}

// Close drains the subscription and the connection.
func (b *Bridge) Close() {
	if b.sub != nil {
		if err := b.sub.Drain(); err != nil {
			b.log.Warn().Err(err).Msg("failed to drain subscription")
		}
	}
	if err := b.conn.Drain(); err != nil {
		b.log.Warn().Err(err).Msg("failed to drain connection")
	}
}
