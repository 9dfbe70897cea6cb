// Package store is the persistence collaborator for the gateway: users,
// conversations, and messages. The interface is the fixed set of operations
// the core depends on; PostgresStore is the production backend and
// MemoryStore serves development and tests.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// User is an account resolved from an authenticated credential.
type User struct {
	ID           string
	Email        string
	DisplayName  string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Conversation is a persisted thread between one user and one persona.
type Conversation struct {
	ID           string
	UserID       string
	PersonaID    string
	Title        string
	MessageCount int
	LastMessage  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is one persisted message. Metadata is a free-form map carrying the
// read flag, multi-segment linkage (reply_group, segment_index,
// total_segments) and the client correlation id.
type Message struct {
	ID             string
	ConversationID string
	UserID         string
	PersonaID      string
	Role           string
	Content        string
	CreatedAt      time.Time
	Metadata       map[string]interface{}
}

// ListOptions controls message listing. Page is 1-based; a zero Limit
// defaults to 50. Since, when non-zero, filters to messages created at or
// after the given time.
type ListOptions struct {
	Page  int
	Limit int
	Since time.Time
}

// Store is the full persistence surface the core requires.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Users.
	GetUser(ctx context.Context, id string) (*User, error)
	TouchUserActivity(ctx context.Context, id string) error

	// Conversations.
	CreateConversation(ctx context.Context, c *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	UpdateConversationTitle(ctx context.Context, id, title string) error
	DeleteConversation(ctx context.Context, id string) error
	// RecordConversationActivity increments the message counter and updates
	// the last-message snippet and updated_at timestamp.
	RecordConversationActivity(ctx context.Context, id, lastMessage string) error

	// Messages.
	CreateMessage(ctx context.Context, m *Message) error
	// ListMessages returns messages ordered oldest first.
	ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]Message, error)
	// MessagesAfter returns up to limit messages created after the message
	// with afterID, oldest first. An empty afterID returns from the start.
	MessagesAfter(ctx context.Context, conversationID, afterID string, limit int) ([]Message, error)
	CountMessages(ctx context.Context, conversationID string) (int, error)
	// UpdateMessageMetadata merges the patch into the message's metadata map.
	// The message must belong to the given conversation; ErrNotFound otherwise.
	UpdateMessageMetadata(ctx context.Context, conversationID, id string, patch map[string]interface{}) error
}

// Snippet truncates content for the conversation's last-message summary.
func Snippet(content string) string {
	const max = 120
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	return string(runes[:max])
}
