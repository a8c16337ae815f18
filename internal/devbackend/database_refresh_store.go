package devbackend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/portalauth/internal/gormstore"
	"github.com/tyemirov/portalauth/pkg/tokencodec"
	"gorm.io/gorm"
)

// DatabaseRefreshTokenStore persists rotating refresh tokens using GORM, so sessions of a
// development backend survive its restart.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
	clock       tokencodec.Clock
}

type refreshTokenRecord struct {
	TokenID         string `gorm:"column:token_id;primaryKey"`
	UserID          string `gorm:"column:user_id;index;not null"`
	TokenHash       string `gorm:"column:token_hash;uniqueIndex;not null"`
	ExpiresUnix     int64  `gorm:"column:expires_unix;not null"`
	RevokedAtUnix   int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	PreviousTokenID string `gorm:"column:previous_token_id;not null;default:''"`
	IssuedAtUnix    int64  `gorm:"column:issued_at_unix;not null"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

// NewDatabaseRefreshTokenStore opens a sqlite:// or postgres:// database and migrates the
// refresh token table. A nil clock uses the system clock.
func NewDatabaseRefreshTokenStore(ctx context.Context, databaseURL string, clock tokencodec.Clock) (*DatabaseRefreshTokenStore, error) {
	if clock == nil {
		clock = tokencodec.SystemClock()
	}
	gormDB, driverLabel, err := gormstore.Open(ctx, databaseURL, &refreshTokenRecord{})
	if err != nil {
		return nil, fmt.Errorf("refresh_store.open: %w", err)
	}
	return &DatabaseRefreshTokenStore{
		db:          gormDB,
		driverLabel: driverLabel,
		clock:       clock,
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseRefreshTokenStore) Driver() string {
	return store.driverLabel
}

// Close releases the underlying connection pool.
func (store *DatabaseRefreshTokenStore) Close() {
	gormstore.Close(store.db)
}

// Issue inserts a new refresh token record and returns its identifiers.
func (store *DatabaseRefreshTokenStore) Issue(ctx context.Context, userID string, expiresAt time.Time, previousTokenID string) (string, string, error) {
	opaqueToken, digest := mintRefreshSecret()
	record := refreshTokenRecord{
		TokenID:         uuid.NewString(),
		UserID:          userID,
		TokenHash:       digest,
		ExpiresUnix:     expiresAt.Unix(),
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    store.clock.Now().Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", "", fmt.Errorf("refresh_store.issue.%s: %w", store.driverLabel, err)
	}
	return record.TokenID, opaqueToken, nil
}

// Validate locates a refresh token by its opaque value.
func (store *DatabaseRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshBlank)
	}
	var record refreshTokenRecord
	err := store.db.WithContext(ctx).Where("token_hash = ?", refreshDigest(tokenOpaque)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshUnknown)
		}
		return "", "", fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, err)
	}
	if record.RevokedAtUnix != 0 {
		return "", "", fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshRevoked)
	}
	if !time.Unix(record.ExpiresUnix, 0).After(store.clock.Now()) {
		return "", "", fmt.Errorf("refresh_store.validate.%s: %w", store.driverLabel, ErrRefreshExpired)
	}
	return record.UserID, record.TokenID, nil
}

// Revoke marks a refresh token as revoked. Revoking twice is not an error.
func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_id = ? AND revoked_at_unix = 0", tokenID).
		Update("revoked_at_unix", store.clock.Now().Unix())
	if result.Error != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var record refreshTokenRecord
	findErr := store.db.WithContext(ctx).Where("token_id = ?", tokenID).Take(&record).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, ErrRefreshUnknown)
	}
	if findErr != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, findErr)
	}
	return nil
}

// RevokeUser revokes every live token of userID and reports how many were revoked.
func (store *DatabaseRefreshTokenStore) RevokeUser(ctx context.Context, userID string) (int, error) {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("user_id = ? AND revoked_at_unix = 0", userID).
		Update("revoked_at_unix", store.clock.Now().Unix())
	if result.Error != nil {
		return 0, fmt.Errorf("refresh_store.revoke_user.%s: %w", store.driverLabel, result.Error)
	}
	return int(result.RowsAffected), nil
}
