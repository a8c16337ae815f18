package credentialpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/portalauth/internal/sessionkit"
)

// ErrCorruptRecord indicates the stored profile JSON could not be decoded.
var ErrCorruptRecord = errors.New("credentialpg.corrupt_record")

// PostgresCredentialStore persists the session record and cookies in PostgreSQL.
type PostgresCredentialStore struct {
	pool *pgxpool.Pool
}

// NewPostgresCredentialStore constructs a Postgres store. Call EnsureSchema first.
func NewPostgresCredentialStore(pool *pgxpool.Pool) *PostgresCredentialStore {
	return &PostgresCredentialStore{pool: pool}
}

// Open builds a pool for databaseURL, ensures the schema, and returns the store.
func Open(ctx context.Context, databaseURL string) (*PostgresCredentialStore, error) {
	pool, err := BuildPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if schemaErr := EnsureSchema(ctx, pool); schemaErr != nil {
		pool.Close()
		return nil, schemaErr
	}
	return NewPostgresCredentialStore(pool), nil
}

// Close releases the pool.
func (store *PostgresCredentialStore) Close() {
	store.pool.Close()
}

// Save upserts the session record.
func (store *PostgresCredentialStore) Save(ctx context.Context, profile sessionkit.UserProfile) error {
	encoded, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("credentialpg.save: %w", err)
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO portal_credentials (record_key, profile_json, had_session, updated_at_unix)
VALUES ($1, $2, TRUE, $3)
ON CONFLICT (record_key) DO UPDATE
SET profile_json = EXCLUDED.profile_json, had_session = TRUE, updated_at_unix = EXCLUDED.updated_at_unix
`, sessionkit.CredentialRecordKey, string(encoded), time.Now().UTC().Unix())
	if execErr != nil {
		return fmt.Errorf("credentialpg.save: %w", execErr)
	}
	return nil
}

// Clear deletes the session record.
func (store *PostgresCredentialStore) Clear(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, `DELETE FROM portal_credentials WHERE record_key = $1`, sessionkit.CredentialRecordKey); err != nil {
		return fmt.Errorf("credentialpg.clear: %w", err)
	}
	return nil
}

// Restore loads the session record; a missing row yields an empty record.
func (store *PostgresCredentialStore) Restore(ctx context.Context) (sessionkit.CredentialRecord, error) {
	var profileJSON string
	var hadSession bool
	row := store.pool.QueryRow(ctx, `
SELECT profile_json, had_session
FROM portal_credentials
WHERE record_key = $1
`, sessionkit.CredentialRecordKey)
	if scanErr := row.Scan(&profileJSON, &hadSession); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return sessionkit.CredentialRecord{}, nil
		}
		return sessionkit.CredentialRecord{}, fmt.Errorf("credentialpg.restore: %w", scanErr)
	}
	var profile sessionkit.UserProfile
	if decodeErr := json.Unmarshal([]byte(profileJSON), &profile); decodeErr != nil {
		return sessionkit.CredentialRecord{}, fmt.Errorf("credentialpg.restore: %w: %v", ErrCorruptRecord, decodeErr)
	}
	return sessionkit.CredentialRecord{Profile: &profile, HadSession: hadSession}, nil
}

// LoadCookies returns every persisted cookie.
func (store *PostgresCredentialStore) LoadCookies(ctx context.Context) ([]sessionkit.StoredCookie, error) {
	rows, err := store.pool.Query(ctx, `
SELECT source_url, name, value, path, domain, expires_unix, secure, http_only, same_site
FROM portal_cookies
ORDER BY host, path, name
`)
	if err != nil {
		return nil, fmt.Errorf("credentialpg.load_cookies: %w", err)
	}
	defer rows.Close()

	cookies := make([]sessionkit.StoredCookie, 0)
	for rows.Next() {
		var stored sessionkit.StoredCookie
		var expiresUnix int64
		var sameSite int64
		if scanErr := rows.Scan(&stored.URL, &stored.Name, &stored.Value, &stored.Path, &stored.Domain, &expiresUnix, &stored.Secure, &stored.HTTPOnly, &sameSite); scanErr != nil {
			return nil, fmt.Errorf("credentialpg.load_cookies: %w", scanErr)
		}
		if expiresUnix != 0 {
			stored.Expires = time.Unix(expiresUnix, 0).UTC()
		}
		stored.SameSite = http.SameSite(sameSite)
		cookies = append(cookies, stored)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("credentialpg.load_cookies: %w", rowsErr)
	}
	return cookies, nil
}

// SaveCookies replaces the persisted cookies in one transaction.
func (store *PostgresCredentialStore) SaveCookies(ctx context.Context, cookies []sessionkit.StoredCookie) error {
	txErr := pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM portal_cookies`); err != nil {
			return err
		}
		for _, cookie := range cookies {
			var expiresUnix int64
			if !cookie.Expires.IsZero() {
				expiresUnix = cookie.Expires.UTC().Unix()
			}
			if _, err := tx.Exec(ctx, `
INSERT INTO portal_cookies (host, name, path, source_url, value, domain, expires_unix, secure, http_only, same_site)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (host, name, path) DO UPDATE
SET source_url = EXCLUDED.source_url, value = EXCLUDED.value, domain = EXCLUDED.domain,
    expires_unix = EXCLUDED.expires_unix, secure = EXCLUDED.secure,
    http_only = EXCLUDED.http_only, same_site = EXCLUDED.same_site
`, cookieHost(cookie.URL), cookie.Name, cookie.Path, cookie.URL, cookie.Value, cookie.Domain, expiresUnix, cookie.Secure, cookie.HTTPOnly, int64(cookie.SameSite)); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return fmt.Errorf("credentialpg.save_cookies: %w", txErr)
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
