package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the production Store backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool to the given database URL and
// verifies connectivity.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migrations.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	u := &User{}
	var lastActive sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, created_at, last_active_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Email, &u.DisplayName, &u.CreatedAt, &lastActive)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	if lastActive.Valid {
		u.LastActiveAt = lastActive.Time
	}
	return u, nil
}

func (s *PostgresStore) TouchUserActivity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET last_active_at = now() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("store: touch user activity: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) CreateConversation(ctx context.Context, c *Conversation) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, user_id, persona_id, title)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, c.ID, c.UserID, c.PersonaID, c.Title).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c := &Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, persona_id, title, message_count, last_message, created_at, updated_at
		FROM conversations WHERE id = $1
	`, id).Scan(&c.ID, &c.UserID, &c.PersonaID, &c.Title,
		&c.MessageCount, &c.LastMessage, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, persona_id, title, message_count, last_message, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.PersonaID, &c.Title,
			&c.MessageCount, &c.LastMessage, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1
	`, id, title)
	if err != nil {
		return fmt.Errorf("store: update conversation title: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: delete conversation: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) RecordConversationActivity(ctx context.Context, id, lastMessage string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET message_count = message_count + 1,
		    last_message = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, Snippet(lastMessage))
	if err != nil {
		return fmt.Errorf("store: record conversation activity: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) CreateMessage(ctx context.Context, m *Message) error {
	metadata := m.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("store: marshal message metadata: %w", err)
	}

	// GREATEST against the previous message keeps per-conversation
	// timestamps non-decreasing even when the DB clock jitters.
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, user_id, persona_id, role, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, GREATEST(
			now(),
			COALESCE((SELECT max(created_at) FROM messages WHERE conversation_id = $2), now())
		))
		RETURNING created_at
	`, m.ID, m.ConversationID, m.UserID, m.PersonaID, m.Role, m.Content, raw).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: create message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, opts ListOptions) ([]Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	page := opts.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	since := opts.Since
	if since.IsZero() {
		since = time.Unix(0, 0)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, user_id, persona_id, role, content, metadata, created_at
		FROM messages
		WHERE conversation_id = $1 AND created_at >= $2
		ORDER BY created_at ASC, id ASC
		LIMIT $3 OFFSET $4
	`, conversationID, since, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) MessagesAfter(ctx context.Context, conversationID, afterID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	if afterID == "" {
		return s.ListMessages(ctx, conversationID, ListOptions{Limit: limit})
	}

	var after time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM messages WHERE id = $1 AND conversation_id = $2
	`, afterID, conversationID).Scan(&after)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: resolve poll cursor: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, user_id, persona_id, role, content, metadata, created_at
		FROM messages
		WHERE conversation_id = $1
		  AND (created_at, id) > ($2, $3)
		ORDER BY created_at ASC, id ASC
		LIMIT $4
	`, conversationID, after, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: poll messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM messages WHERE conversation_id = $1
	`, conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) UpdateMessageMetadata(ctx context.Context, conversationID, id string, patch map[string]interface{}) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("store: marshal metadata patch: %w", err)
	}
	// The conversation id scopes the update so a caller authorized for one
	// conversation cannot patch messages in another.
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET metadata = metadata || $3::jsonb
		WHERE id = $1 AND conversation_id = $2
	`, id, conversationID, raw)
	if err != nil {
		return fmt.Errorf("store: update message metadata: %w", err)
	}
	return requireRow(res)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var (
			m   Message
			raw []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.PersonaID,
			&m.Role, &m.Content, &raw, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Metadata); err != nil {
				return nil, fmt.Errorf("store: unmarshal message metadata: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
