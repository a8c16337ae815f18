package devbackend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/portalauth/pkg/tokencodec"
)

// MemoryRefreshTokenStore keeps rotating refresh tokens in memory.
type MemoryRefreshTokenStore struct {
	mutex  sync.Mutex
	clock  tokencodec.Clock
	byID   map[string]*refreshRecord
	byHash map[string]string
}

type refreshRecord struct {
	TokenID         string
	UserID          string
	Hash            string
	ExpiresUnix     int64
	RevokedAtUnix   int64
	PreviousTokenID string
}

// NewMemoryRefreshTokenStore creates an empty store. A nil clock uses the system clock.
func NewMemoryRefreshTokenStore(clock tokencodec.Clock) *MemoryRefreshTokenStore {
	if clock == nil {
		clock = tokencodec.SystemClock()
	}
	return &MemoryRefreshTokenStore{
		clock:  clock,
		byID:   make(map[string]*refreshRecord),
		byHash: make(map[string]string),
	}
}

// Issue creates a token for userID, optionally linked to the token it rotates.
func (store *MemoryRefreshTokenStore) Issue(ctx context.Context, userID string, expiresAt time.Time, previousTokenID string) (string, string, error) {
	opaque, digest := mintRefreshSecret()
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID := uuid.NewString()
	store.byID[tokenID] = &refreshRecord{
		TokenID:         tokenID,
		UserID:          userID,
		Hash:            digest,
		ExpiresUnix:     expiresAt.Unix(),
		PreviousTokenID: previousTokenID,
	}
	store.byHash[digest] = tokenID
	return tokenID, opaque, nil
}

// Validate resolves an opaque token to its user and token id.
func (store *MemoryRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, error) {
	if tokenOpaque == "" {
		return "", "", fmt.Errorf("refresh_store.validate: %w", ErrRefreshBlank)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID, ok := store.byHash[refreshDigest(tokenOpaque)]
	if !ok {
		return "", "", fmt.Errorf("refresh_store.validate: %w", ErrRefreshUnknown)
	}
	record := store.byID[tokenID]
	if record == nil {
		return "", "", fmt.Errorf("refresh_store.validate: %w", ErrRefreshUnknown)
	}
	if record.RevokedAtUnix != 0 {
		return "", "", fmt.Errorf("refresh_store.validate: %w", ErrRefreshRevoked)
	}
	if !time.Unix(record.ExpiresUnix, 0).After(store.clock.Now()) {
		return "", "", fmt.Errorf("refresh_store.validate: %w", ErrRefreshExpired)
	}
	return record.UserID, record.TokenID, nil
}

// Revoke marks a token as revoked. Revoking twice is not an error.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[tokenID]
	if record == nil {
		return fmt.Errorf("refresh_store.revoke: %w", ErrRefreshUnknown)
	}
	if record.RevokedAtUnix == 0 {
		record.RevokedAtUnix = store.clock.Now().Unix()
	}
	return nil
}

// RevokeUser revokes every live token of userID and reports how many were revoked.
func (store *MemoryRefreshTokenStore) RevokeUser(ctx context.Context, userID string) (int, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	revoked := 0
	nowUnix := store.clock.Now().Unix()
	for _, record := range store.byID {
		if record.UserID == userID && record.RevokedAtUnix == 0 {
			record.RevokedAtUnix = nowUnix
			revoked++
		}
	}
	return revoked, nil
}
