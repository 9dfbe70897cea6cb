package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseClientEvent_Message(t *testing.T) {
	raw := []byte(`{"type":"message","data":{"chatId":"c1","content":"hello","agentId":"therapist","messageId":"corr-1"}}`)

	msgType, msg, err := ParseClientEvent(raw)
	if err != nil {
		t.Fatalf("ParseClientEvent: %v", err)
	}
	if msgType != TypeMessage {
		t.Errorf("type = %q, want %q", msgType, TypeMessage)
	}

	m, ok := msg.(ChatMessage)
	if !ok {
		t.Fatalf("expected ChatMessage, got %T", msg)
	}
	if m.ChatID != "c1" || m.Content != "hello" || m.AgentID != "therapist" || m.MessageID != "corr-1" {
		t.Errorf("unexpected decode: %+v", m)
	}
}

func TestParseClientEvent_AllTypes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"typing", `{"type":"typing","data":{"chatId":"c1","agentId":"therapist","isTyping":true}}`, TypeTyping},
		{"read_receipt", `{"type":"read_receipt","data":{"chatId":"c1","messageIds":["m1","m2"]}}`, TypeReadReceipt},
		{"chat_update join", `{"type":"chat_update","data":{"action":"join","chatId":"c1"}}`, TypeChatUpdate},
		{"ping without data", `{"type":"ping"}`, TypePing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, msg, err := ParseClientEvent([]byte(tt.raw))
			if err != nil {
				t.Fatalf("ParseClientEvent(%s): %v", tt.raw, err)
			}
			if msgType != tt.want {
				t.Errorf("type = %q, want %q", msgType, tt.want)
			}
			if msg == nil {
				t.Error("expected non-nil decoded message")
			}
		})
	}
}

func TestParseClientEvent_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"data":{}}`},
		{"empty type", `{"type":"","data":{}}`},
		{"unknown type", `{"type":"shutdown","data":{}}`},
		{"server-only type", `{"type":"connected","data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseClientEvent([]byte(tt.raw)); err == nil {
				t.Errorf("ParseClientEvent(%s): expected error", tt.raw)
			}
		})
	}
}

func TestNewServerEvent_Envelope(t *testing.T) {
	before := time.Now().UnixMilli()
	raw, err := NewServerEvent(TypeError, ErrorEvent{
		ErrorMessage: "conversation not found",
		Code:         CodeNotFound,
	})
	if err != nil {
		t.Fatalf("NewServerEvent: %v", err)
	}
	after := time.Now().UnixMilli()

	var env struct {
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		Timestamp int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypeError {
		t.Errorf("type = %q, want %q", env.Type, TypeError)
	}
	if env.Timestamp < before || env.Timestamp > after {
		t.Errorf("timestamp %d outside [%d, %d]", env.Timestamp, before, after)
	}

	var data ErrorEvent
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data.Code != CodeNotFound {
		t.Errorf("code = %q, want %q", data.Code, CodeNotFound)
	}
	if data.RetryAfter != 0 {
		t.Errorf("retryAfter should be omitted for non-rate-limit errors, got %d", data.RetryAfter)
	}
}

func TestMessageEvent_OptimisticVsConfirmed(t *testing.T) {
	optimistic := MessageEvent{
		ID:            "tmp-1700000000000",
		ChatID:        "c1",
		Role:          RoleUser,
		Content:       "hi",
		CorrelationID: "corr-1",
	}
	raw, err := json.Marshal(optimistic)
	if err != nil {
		t.Fatal(err)
	}
	// Confirmed=false must not appear on the wire.
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["confirmed"]; ok {
		t.Error("confirmed=false should be omitted")
	}
	if m["messageId"] != "corr-1" {
		t.Errorf("messageId = %v, want corr-1", m["messageId"])
	}
}
