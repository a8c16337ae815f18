package devbackend

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// UserStore resolves users by credentials or id.
type UserStore interface {
	Authenticate(ctx context.Context, email string, password string) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)
}

// RefreshTokenStore persists rotating refresh tokens, keyed by a digest of the cookie value.
type RefreshTokenStore interface {
	Issue(ctx context.Context, userID string, expiresAt time.Time, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (userID string, tokenID string, err error)
	Revoke(ctx context.Context, tokenID string) error
	RevokeUser(ctx context.Context, userID string) (int, error)
}

// Refresh store failures. The refresh route answers every one of them with 401.
var (
	ErrRefreshBlank   = errors.New("refresh cookie value is blank")
	ErrRefreshUnknown = errors.New("refresh token is not recognized")
	ErrRefreshRevoked = errors.New("refresh token was revoked")
	ErrRefreshExpired = errors.New("refresh token has expired")
)

// mintRefreshSecret returns a new cookie value and the digest a store indexes it by.
func mintRefreshSecret() (secret string, digest string) {
	secret = rand.Text()
	return secret, refreshDigest(secret)
}

func refreshDigest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
