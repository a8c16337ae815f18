package sessionkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tyemirov/portalauth/internal/gormstore"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errCorruptRecord = errors.New("credential_store.corrupt_record")

// DatabaseCredentialStore persists the session record and cookie jar using GORM.
type DatabaseCredentialStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseCredentialStore) Driver() string {
	return store.driverLabel
}

// Close releases the underlying connection pool.
func (store *DatabaseCredentialStore) Close() {
	gormstore.Close(store.db)
}

type credentialRecordRow struct {
	RecordKey     string `gorm:"column:record_key;primaryKey"`
	ProfileJSON   string `gorm:"column:profile_json;not null"`
	HadSession    bool   `gorm:"column:had_session;not null"`
	UpdatedAtUnix int64  `gorm:"column:updated_at_unix;not null"`
}

func (credentialRecordRow) TableName() string {
	return "portal_credentials"
}

type cookieRow struct {
	Host        string `gorm:"column:host;primaryKey"`
	Name        string `gorm:"column:name;primaryKey"`
	Path        string `gorm:"column:path;primaryKey"`
	SourceURL   string `gorm:"column:source_url;not null"`
	Value       string `gorm:"column:value;not null"`
	Domain      string `gorm:"column:domain;not null;default:''"`
	ExpiresUnix int64  `gorm:"column:expires_unix;not null;default:0"`
	Secure      bool   `gorm:"column:secure;not null"`
	HTTPOnly    bool   `gorm:"column:http_only;not null"`
	SameSite    int    `gorm:"column:same_site;not null;default:0"`
}

func (cookieRow) TableName() string {
	return "portal_cookies"
}

// NewDatabaseCredentialStore constructs a GORM-backed store from a sqlite:// or postgres:// URL.
func NewDatabaseCredentialStore(ctx context.Context, databaseURL string) (*DatabaseCredentialStore, error) {
	gormDB, driverLabel, err := gormstore.Open(ctx, databaseURL, &credentialRecordRow{}, &cookieRow{})
	if err != nil {
		return nil, fmt.Errorf("credential_store.open: %w", err)
	}
	return &DatabaseCredentialStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Save upserts the session record with the given profile.
func (store *DatabaseCredentialStore) Save(ctx context.Context, profile UserProfile) error {
	encoded, encodeErr := json.Marshal(profile)
	if encodeErr != nil {
		return fmt.Errorf("credential_store.save.%s: %w", store.driverLabel, encodeErr)
	}
	row := credentialRecordRow{
		RecordKey:     CredentialRecordKey,
		ProfileJSON:   string(encoded),
		HadSession:    true,
		UpdatedAtUnix: time.Now().UTC().Unix(),
	}
	if err := store.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("credential_store.save.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Clear deletes the session record. Clearing an absent record is not an error.
func (store *DatabaseCredentialStore) Clear(ctx context.Context) error {
	if err := store.db.WithContext(ctx).Where("record_key = ?", CredentialRecordKey).Delete(&credentialRecordRow{}).Error; err != nil {
		return fmt.Errorf("credential_store.clear.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Restore loads the session record; a missing row yields an empty record.
func (store *DatabaseCredentialStore) Restore(ctx context.Context) (CredentialRecord, error) {
	var row credentialRecordRow
	err := store.db.WithContext(ctx).Where("record_key = ?", CredentialRecordKey).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CredentialRecord{}, nil
		}
		return CredentialRecord{}, fmt.Errorf("credential_store.restore.%s: %w", store.driverLabel, err)
	}
	var profile UserProfile
	if decodeErr := json.Unmarshal([]byte(row.ProfileJSON), &profile); decodeErr != nil {
		return CredentialRecord{}, fmt.Errorf("credential_store.restore.%s: %w: %v", store.driverLabel, errCorruptRecord, decodeErr)
	}
	return CredentialRecord{
		Profile:    &profile,
		HadSession: row.HadSession,
	}, nil
}

// LoadCookies returns every persisted cookie.
func (store *DatabaseCredentialStore) LoadCookies(ctx context.Context) ([]StoredCookie, error) {
	var rows []cookieRow
	if err := store.db.WithContext(ctx).Order("host, path, name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("credential_store.load_cookies.%s: %w", store.driverLabel, err)
	}
	cookies := make([]StoredCookie, 0, len(rows))
	for _, row := range rows {
		stored := StoredCookie{
			URL:      row.SourceURL,
			Name:     row.Name,
			Value:    row.Value,
			Path:     row.Path,
			Domain:   row.Domain,
			Secure:   row.Secure,
			HTTPOnly: row.HTTPOnly,
			SameSite: http.SameSite(row.SameSite),
		}
		if row.ExpiresUnix != 0 {
			stored.Expires = time.Unix(row.ExpiresUnix, 0).UTC()
		}
		cookies = append(cookies, stored)
	}
	return cookies, nil
}

// SaveCookies replaces the persisted cookies in a single transaction.
func (store *DatabaseCredentialStore) SaveCookies(ctx context.Context, cookies []StoredCookie) error {
	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&cookieRow{}).Error; err != nil {
			return err
		}
		if len(cookies) == 0 {
			return nil
		}
		rows := make([]cookieRow, 0, len(cookies))
		for _, cookie := range cookies {
			row := cookieRow{
				Host:      cookieHost(cookie.URL),
				Name:      cookie.Name,
				Path:      cookie.Path,
				SourceURL: cookie.URL,
				Value:     cookie.Value,
				Domain:    cookie.Domain,
				Secure:    cookie.Secure,
				HTTPOnly:  cookie.HTTPOnly,
				SameSite:  int(cookie.SameSite),
			}
			if !cookie.Expires.IsZero() {
				row.ExpiresUnix = cookie.Expires.UTC().Unix()
			}
			rows = append(rows, row)
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
	})
	if txErr != nil {
		return fmt.Errorf("credential_store.save_cookies.%s: %w", store.driverLabel, txErr)
	}
	return nil
}

func cookieHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return parsed.Host
}
