package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTokenNotFound is returned when a token is unknown or expired.
var ErrTokenNotFound = errors.New("session token not found")

// ErrTokenExists is returned when issuing a token whose hash is already stored.
var ErrTokenExists = errors.New("session token already exists")

// TokenOwner is the account a session token was issued to.
type TokenOwner struct {
	UserID      uint64
	DisplayName string
	ExpiresAt   time.Time
}

// TokenRepository resolves session tokens issued by the web login flow.
// Only SHA-256 digests of tokens are stored.
type TokenRepository struct {
	db *pgxpool.Pool
}

// NewTokenRepository creates a TokenRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewTokenRepository(db *pgxpool.Pool) *TokenRepository {
	return &TokenRepository{db: db}
}

// Issue mints a new random token for the account.
//
// Precondition: displayName must be non-empty; ttl must be > 0.
// Postcondition: Returns the plaintext token; only its digest is persisted.
func (r *TokenRepository) Issue(ctx context.Context, userID uint64, displayName string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	_, err := r.db.Exec(ctx, `
		INSERT INTO session_tokens (token_hash, user_id, display_name, expires_at)
		VALUES ($1, $2, $3, $4)`,
		hashToken(token), int64(userID), displayName, time.Now().Add(ttl).UTC(),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return "", ErrTokenExists
		}
		return "", fmt.Errorf("issuing token: %w", err)
	}
	return token, nil
}

// Resolve returns the owner of an unexpired token.
//
// Postcondition: Returns ErrTokenNotFound for unknown or expired tokens.
func (r *TokenRepository) Resolve(ctx context.Context, token string) (TokenOwner, error) {
	var (
		owner  TokenOwner
		userID int64
	)
	err := r.db.QueryRow(ctx, `
		SELECT user_id, display_name, expires_at
		FROM session_tokens
		WHERE token_hash = $1 AND expires_at > NOW()`,
		hashToken(token),
	).Scan(&userID, &owner.DisplayName, &owner.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TokenOwner{}, ErrTokenNotFound
		}
		return TokenOwner{}, fmt.Errorf("resolving token: %w", err)
	}
	owner.UserID = uint64(userID)
	return owner, nil
}

// Revoke deletes a token. Revoking an unknown token is not an error.
func (r *TokenRepository) Revoke(ctx context.Context, token string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM session_tokens WHERE token_hash = $1`, hashToken(token)); err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
