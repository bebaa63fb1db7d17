package websocket

import (
	"context"
	"errors"
	"fmt"

	"github.com/cory-johannsen/enfaria/internal/game/session"
	"github.com/cory-johannsen/enfaria/internal/storage/postgres"
)

// ErrUnauthenticated is returned when a hello frame cannot be turned into an identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Hello is the first frame a client sends.
type Hello struct {
	Token       string `json:"token"`
	UserID      uint64 `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// Identity is an authenticated player.
type Identity struct {
	UserID      session.UserID
	DisplayName string
	Token       session.Token
}

// Authenticator turns a Hello into an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, h Hello) (Identity, error)
}

// TokenResolver looks up the owner of an issued token.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (postgres.TokenOwner, error)
}

// TokenAuthenticator trusts only the token; the claimed id and name are ignored.
type TokenAuthenticator struct {
	tokens TokenResolver
}

// NewTokenAuthenticator creates a TokenAuthenticator.
//
// Precondition: tokens must be non-nil.
func NewTokenAuthenticator(tokens TokenResolver) *TokenAuthenticator {
	return &TokenAuthenticator{tokens: tokens}
}

// Authenticate resolves h.Token.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, h Hello) (Identity, error) {
	if h.Token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	owner, err := a.tokens.Resolve(ctx, h.Token)
	if err != nil {
		if errors.Is(err, postgres.ErrTokenNotFound) {
			return Identity{}, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
		}
		return Identity{}, err
	}
	return Identity{
		UserID:      session.UserID(owner.UserID),
		DisplayName: owner.DisplayName,
		Token:       session.Token(h.Token),
	}, nil
}

// TrustAuthenticator accepts whatever identity the client claims. Development only.
type TrustAuthenticator struct{}

// Authenticate copies the claimed identity.
func (TrustAuthenticator) Authenticate(_ context.Context, h Hello) (Identity, error) {
	if h.UserID == 0 || h.DisplayName == "" {
		return Identity{}, fmt.Errorf("%w: user_id and display_name are required", ErrUnauthenticated)
	}
	return Identity{
		UserID:      session.UserID(h.UserID),
		DisplayName: h.DisplayName,
		Token:       session.Token(h.Token),
	}, nil
}
