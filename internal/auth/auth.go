// Package auth validates bearer credentials and binds them to user
// identities. Tokens are HS256 JWTs whose subject is the user id; the user
// must exist in the store for authentication to succeed.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/mindwell/chat-gateway/internal/store"
)

// Authentication failure reasons.
var (
	ErrMissingToken = errors.New("auth: missing credential")
	ErrInvalidToken = errors.New("auth: invalid credential")
	ErrUnknownUser  = errors.New("auth: unknown user")
)

// UserResolver is the slice of the store the authenticator needs.
type UserResolver interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	TouchUserActivity(ctx context.Context, id string) error
}

// Authenticator validates tokens and resolves them to users.
type Authenticator struct {
	secret []byte
	users  UserResolver
	log    zerolog.Logger
}

// New creates an Authenticator with the given signing secret.
func New(secret string, users UserResolver, log zerolog.Logger) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		users:  users,
		log:    log.With().Str("component", "auth").Logger(),
	}
}

// Authenticate validates the bearer token, resolves the subject to a user in
// the store, and records the user's last-active timestamp. The returned user
// is the identity to bind to the connection or request.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*store.User, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	user, err := a.users.GetUser(ctx, sub)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUser, sub)
		}
		return nil, fmt.Errorf("auth: resolve user: %w", err)
	}

	if err := a.users.TouchUserActivity(ctx, user.ID); err != nil {
		// Best effort; a failed touch must not reject a valid credential.
		a.log.Warn().Str("user", user.ID).Err(err).Msg("failed to record last-active")
	}

	return user, nil
}

// Issue creates a signed token for the given user id. Used by tests and the
// development seed tooling; production tokens come from the auth provider.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
