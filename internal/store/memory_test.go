package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func seedConversation(t *testing.T, s *MemoryStore) *Conversation {
	t.Helper()
	s.AddUser(&User{ID: "user-1", Email: "u@example.com"})
	c := &Conversation{ID: "conv-1", UserID: "user-1", PersonaID: "therapist", Title: "Check-in"}
	if err := s.CreateConversation(context.Background(), c); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return c
}

func TestCreateMessage_MonotonicTimestamps(t *testing.T) {
	s := NewMemoryStore()
	seedConversation(t, s)
	ctx := context.Background()

	// A clock that jumps backwards between calls.
	times := []time.Time{
		time.Unix(1000, 0),
		time.Unix(900, 0),
		time.Unix(1100, 0),
	}
	i := 0
	s.SetClock(func() time.Time {
		ts := times[i%len(times)]
		i++
		return ts
	})

	for n := 0; n < 3; n++ {
		m := &Message{ID: fmt.Sprintf("m-%d", n), ConversationID: "conv-1", UserID: "user-1", Role: "user", Content: "x"}
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, "conv-1", ListOptions{})
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	for n := 1; n < len(msgs); n++ {
		if msgs[n].CreatedAt.Before(msgs[n-1].CreatedAt) {
			t.Errorf("timestamps must be non-decreasing: msg %d at %v before msg %d at %v",
				n, msgs[n].CreatedAt, n-1, msgs[n-1].CreatedAt)
		}
	}
}

func TestListMessages_Pagination(t *testing.T) {
	s := NewMemoryStore()
	seedConversation(t, s)
	ctx := context.Background()

	for n := 0; n < 25; n++ {
		m := &Message{ID: fmt.Sprintf("m-%d", n), ConversationID: "conv-1", UserID: "user-1", Role: "user", Content: fmt.Sprintf("msg %d", n)}
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	page1, err := s.ListMessages(ctx, "conv-1", ListOptions{Page: 1, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	page3, err := s.ListMessages(ctx, "conv-1", ListOptions{Page: 3, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}

	if len(page1) != 10 {
		t.Errorf("page1 len = %d, want 10", len(page1))
	}
	if page1[0].Content != "msg 0" {
		t.Errorf("page1 starts at %q, want \"msg 0\"", page1[0].Content)
	}
	if len(page3) != 5 {
		t.Errorf("page3 len = %d, want 5", len(page3))
	}
	if len(page3) > 0 && page3[0].Content != "msg 20" {
		t.Errorf("page3 starts at %q, want \"msg 20\"", page3[0].Content)
	}

	empty, err := s.ListMessages(ctx, "conv-1", ListOptions{Page: 10, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(empty) != 0 {
		t.Errorf("past-the-end page len = %d, want 0", len(empty))
	}
}

func TestMessagesAfter_Poll(t *testing.T) {
	s := NewMemoryStore()
	seedConversation(t, s)
	ctx := context.Background()

	for n := 0; n < 5; n++ {
		m := &Message{ID: fmt.Sprintf("m-%d", n), ConversationID: "conv-1", UserID: "user-1", Role: "user", Content: fmt.Sprintf("msg %d", n)}
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	after, err := s.MessagesAfter(ctx, "conv-1", "m-2", 50)
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	if len(after) != 2 || after[0].ID != "m-3" || after[1].ID != "m-4" {
		t.Errorf("MessagesAfter(m-2) = %v, want [m-3 m-4]", ids(after))
	}

	fromStart, err := s.MessagesAfter(ctx, "conv-1", "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(fromStart) != 2 || fromStart[0].ID != "m-0" {
		t.Errorf("MessagesAfter(\"\") = %v, want [m-0 m-1]", ids(fromStart))
	}

	if _, err := s.MessagesAfter(ctx, "conv-1", "missing", 50); err != ErrNotFound {
		t.Errorf("unknown cursor error = %v, want ErrNotFound", err)
	}
}

func TestUpdateMessageMetadata_Merge(t *testing.T) {
	s := NewMemoryStore()
	seedConversation(t, s)
	ctx := context.Background()

	m := &Message{
		ID: "m-1", ConversationID: "conv-1", UserID: "user-1", Role: "assistant", Content: "hi",
		Metadata: map[string]interface{}{"segment_index": 1, "total_segments": 2},
	}
	if err := s.CreateMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateMessageMetadata(ctx, "conv-1", "m-1", map[string]interface{}{"read": true}); err != nil {
		t.Fatalf("UpdateMessageMetadata: %v", err)
	}

	msgs, _ := s.ListMessages(ctx, "conv-1", ListOptions{})
	got := msgs[0].Metadata
	if got["read"] != true {
		t.Errorf("read flag not merged: %v", got)
	}
	if got["segment_index"] != 1 {
		t.Errorf("existing metadata lost on merge: %v", got)
	}

	// The update is scoped to the conversation: a valid message id presented
	// under a different conversation must not match.
	if err := s.UpdateMessageMetadata(ctx, "conv-other", "m-1", map[string]interface{}{"read": true}); err != ErrNotFound {
		t.Errorf("cross-conversation update = %v, want ErrNotFound", err)
	}
}

func TestRecordConversationActivity(t *testing.T) {
	s := NewMemoryStore()
	seedConversation(t, s)
	ctx := context.Background()

	if err := s.RecordConversationActivity(ctx, "conv-1", "hello there"); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordConversationActivity(ctx, "conv-1", "second"); err != nil {
		t.Fatal(err)
	}

	c, err := s.GetConversation(ctx, "conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", c.MessageCount)
	}
	if c.LastMessage != "second" {
		t.Errorf("LastMessage = %q, want \"second\"", c.LastMessage)
	}
}

func TestDeleteConversation_RemovesMessages(t *testing.T) {
	s := NewMemoryStore()
	seedConversation(t, s)
	ctx := context.Background()

	m := &Message{ID: "m-1", ConversationID: "conv-1", UserID: "user-1", Role: "user", Content: "x"}
	if err := s.CreateMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteConversation(ctx, "conv-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetConversation(ctx, "conv-1"); err != ErrNotFound {
		t.Errorf("GetConversation after delete = %v, want ErrNotFound", err)
	}
	n, _ := s.CountMessages(ctx, "conv-1")
	if n != 0 {
		t.Errorf("CountMessages after delete = %d, want 0", n)
	}
	if err := s.UpdateMessageMetadata(ctx, "conv-1", "m-1", map[string]interface{}{"read": true}); err != ErrNotFound {
		t.Errorf("metadata update on deleted message = %v, want ErrNotFound", err)
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
