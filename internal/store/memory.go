package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in development mode and tests. It
// enforces the same semantics as the Postgres backend, including
// non-decreasing message timestamps within a conversation.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]*User
	conversations map[string]*Conversation
	messages      map[string][]*Message // conversationID -> creation order
	byMessageID   map[string]*Message
	now           func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]*User),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		byMessageID:   make(map[string]*Message),
		now:           time.Now,
	}
}

// SetClock injects a time source for tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

// AddUser seeds a user. Used by tests and the dev-mode bootstrap.
func (s *MemoryStore) AddUser(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	cp := *u
	s.users[u.ID] = &cp
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) TouchUserActivity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.LastActiveAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) CreateConversation(ctx context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	cp := *c
	s.conversations[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Conversation
	for _, c := range s.conversations {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	// Most recently active first, matching the Postgres query.
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	for _, m := range s.messages[id] {
		delete(s.byMessageID, m.ID)
	}
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) RecordConversationActivity(ctx context.Context, id, lastMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.MessageCount++
	c.LastMessage = Snippet(lastMessage)
	c.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[m.ConversationID]; !ok {
		return ErrNotFound
	}

	created := m.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}
	// Timestamps are monotonically non-decreasing within a conversation.
	if prev := s.messages[m.ConversationID]; len(prev) > 0 {
		if last := prev[len(prev)-1].CreatedAt; created.Before(last) {
			created = last
		}
	}
	m.CreatedAt = created

	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	s.messages[m.ConversationID] = append(s.messages[m.ConversationID], &cp)
	s.byMessageID[m.ID] = &cp
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.messages[conversationID]
	filtered := make([]*Message, 0, len(all))
	for _, m := range all {
		if !opts.Since.IsZero() && m.CreatedAt.Before(opts.Since) {
			continue
		}
		filtered = append(filtered, m)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	start := (page - 1) * limit
	if start >= len(filtered) {
		return []Message{}, nil
	}
	end := start + limit
	if end > len(filtered) {
		end = len(filtered)
	}

	out := make([]Message, 0, end-start)
	for _, m := range filtered[start:end] {
		out = append(out, copyMessage(m))
	}
	return out, nil
}

func (s *MemoryStore) MessagesAfter(ctx context.Context, conversationID, afterID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	all := s.messages[conversationID]
	start := 0
	if afterID != "" {
		start = -1
		for i, m := range all {
			if m.ID == afterID {
				start = i + 1
				break
			}
		}
		if start == -1 {
			return nil, ErrNotFound
		}
	}

	out := make([]Message, 0, limit)
	for _, m := range all[start:] {
		if len(out) == limit {
			break
		}
		out = append(out, copyMessage(m))
	}
	return out, nil
}

func (s *MemoryStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[conversationID]), nil
}

func (s *MemoryStore) UpdateMessageMetadata(ctx context.Context, conversationID, id string, patch map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byMessageID[id]
	if !ok || m.ConversationID != conversationID {
		return ErrNotFound
	}
	if m.Metadata == nil {
		m.Metadata = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		m.Metadata[k] = v
	}
	return nil
}

func copyMessage(m *Message) Message {
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
