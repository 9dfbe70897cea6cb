package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mindwell/chat-gateway/internal/store"
)

func newTestAuth(t *testing.T) (*Authenticator, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	mem.AddUser(&store.User{ID: "user-1", Email: "u@example.com", DisplayName: "U"})
	return New("test-secret", mem, zerolog.Nop()), mem
}

func TestAuthenticate_Valid(t *testing.T) {
	a, mem := newTestAuth(t)

	token, err := a.Issue("user-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	user, err := a.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user.ID != "user-1" {
		t.Errorf("user.ID = %q, want user-1", user.ID)
	}

	// Last-active must have been recorded.
	u, _ := mem.GetUser(context.Background(), "user-1")
	if u.LastActiveAt.IsZero() {
		t.Error("expected last-active timestamp to be set")
	}
}

func TestAuthenticate_Missing(t *testing.T) {
	a, _ := newTestAuth(t)
	if _, err := a.Authenticate(context.Background(), ""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("err = %v, want ErrMissingToken", err)
	}
}

func TestAuthenticate_BadSignature(t *testing.T) {
	a, _ := newTestAuth(t)
	other := New("different-secret", store.NewMemoryStore(), zerolog.Nop())

	token, err := other.Issue("user-1", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticate_Expired(t *testing.T) {
	a, _ := newTestAuth(t)

	token, err := a.Issue("user-1", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate(context.Background(), token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticate_UnknownUser(t *testing.T) {
	a, _ := newTestAuth(t)

	token, err := a.Issue("ghost", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Authenticate(context.Background(), token); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("err = %v, want ErrUnknownUser", err)
	}
}

func TestAuthenticate_Garbage(t *testing.T) {
	a, _ := newTestAuth(t)
	if _, err := a.Authenticate(context.Background(), "not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}
