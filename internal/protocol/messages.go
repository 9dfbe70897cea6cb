// Package protocol defines the socket event types and structures exchanged
// between clients and the gateway. All events are serialized as JSON. Inbound
// events carry a type discriminator plus a data object; every outbound event
// is wrapped in an envelope of {type, data, timestamp}.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeMessage     = "message"
	TypeTyping      = "typing"
	TypeReadReceipt = "read_receipt"
	TypeChatUpdate  = "chat_update"
	TypePing        = "ping"
)

// Server -> Client event types. Message, typing, read_receipt and chat_update
// are bidirectional and reuse the constants above.
const (
	TypeConnected = "connected"
	TypeError     = "error"
	TypePong      = "pong"
)

// Chat update actions.
const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the inbound wire format: a type discriminator and a raw data
// payload decoded later into the concrete struct for that type.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// UnmarshalJSON captures the data payload verbatim and validates that the
// type discriminator is present.
func (e *Envelope) UnmarshalJSON(raw []byte) error {
	var partial struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	e.Data = partial.Data
	return nil
}

// ServerEnvelope is the outbound wire format. Every event sent to a client
// carries the event type, its payload, and a unix-millisecond timestamp.
type ServerEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// ChatMessage is an inbound user message for a conversation. MessageID is a
// client-supplied correlation id echoed back on the optimistic and confirmed
// copies so the client can reconcile them.
type ChatMessage struct {
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
	AgentID   string `json:"agentId"`
	MessageID string `json:"messageId"`
}

// TypingEvent indicates whether the user is typing in a conversation.
type TypingEvent struct {
	ChatID   string `json:"chatId"`
	AgentID  string `json:"agentId"`
	IsTyping bool   `json:"isTyping"`
}

// ReadReceipt marks a set of messages in a conversation as read.
type ReadReceipt struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
}

// ChatUpdate subscribes to or unsubscribes from a conversation's real-time
// events. Action is "join" or "leave".
type ChatUpdate struct {
	Action string `json:"action"`
	ChatID string `json:"chatId"`
}

// PingEvent is a client-initiated keepalive.
type PingEvent struct{}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// ConnectedEvent is sent once after a successful authenticated upgrade.
type ConnectedEvent struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// ErrorEvent communicates a failed action. RetryAfter is populated only for
// rate_limited errors, in seconds.
type ErrorEvent struct {
	ErrorMessage string `json:"errorMessage"`
	Code         string `json:"code"`
	RetryAfter   int    `json:"retryAfter,omitempty"`
}

// MessageEvent carries a persisted (or optimistic) message to clients.
//
// An optimistic echo has a temporary ID and Confirmed=false; the confirmed
// echo repeats the CorrelationID with the durable ID and Confirmed=true.
// Assistant messages carry SegmentIndex/TotalSegments when the reply was
// split into multiple sequential messages.
type MessageEvent struct {
	ID            string `json:"id"`
	ChatID        string `json:"chatId"`
	AgentID       string `json:"agentId,omitempty"`
	Role          string `json:"role"`
	Content       string `json:"content"`
	CorrelationID string `json:"messageId,omitempty"`
	Confirmed     bool   `json:"confirmed,omitempty"`
	SegmentIndex  int    `json:"segmentIndex,omitempty"`
	TotalSegments int    `json:"totalSegments,omitempty"`
	CreatedAt     int64  `json:"createdAt,omitempty"`
}

// ServerTypingEvent relays a typing indicator scoped to a conversation and
// persona.
type ServerTypingEvent struct {
	ChatID   string `json:"chatId"`
	AgentID  string `json:"agentId,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

// ReadReceiptEvent relays read receipts to other subscribers of the
// conversation.
type ReadReceiptEvent struct {
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
	UserID     string   `json:"userId"`
}

// ChatUpdateEvent confirms a join/leave back to the client.
type ChatUpdateEvent struct {
	Action string `json:"action"`
	ChatID string `json:"chatId"`
}

// PongEvent answers a client ping.
type PongEvent struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientEvent parses raw socket bytes into a typed client event. It
// returns the event type, the decoded struct, and any error. Unknown or
// server-only types are an error.
func ParseClientEvent(raw []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	// A missing data object is tolerated for payload-free events.
	data := env.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeMessage:
		var m ChatMessage
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeTyping:
		var m TypingEvent
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeReadReceipt:
		var m ReadReceipt
		err = json.Unmarshal(data, &m)
		msg = m
	case TypeChatUpdate:
		var m ChatUpdate
		err = json.Unmarshal(data, &m)
		msg = m
	case TypePing:
		var m PingEvent
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerEvent wraps a payload in the outbound envelope and returns the
// JSON bytes. The timestamp is assigned at build time in unix milliseconds.
func NewServerEvent(eventType string, payload interface{}) ([]byte, error) {
	env := ServerEnvelope{
		Type:      eventType,
		Data:      payload,
		Timestamp: time.Now().UnixMilli(),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q event: %w", eventType, err)
	}
	return out, nil
}
