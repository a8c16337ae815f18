package credentialpg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates tables if they do not exist. The layout matches the GORM-backed store
// so either client can read the other's rows.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS portal_credentials (
    record_key TEXT PRIMARY KEY,
    profile_json TEXT NOT NULL,
    had_session BOOLEAN NOT NULL,
    updated_at_unix BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS portal_cookies (
    host TEXT NOT NULL,
    name TEXT NOT NULL,
    path TEXT NOT NULL,
    source_url TEXT NOT NULL,
    value TEXT NOT NULL,
    domain TEXT NOT NULL DEFAULT '',
    expires_unix BIGINT NOT NULL DEFAULT 0,
    secure BOOLEAN NOT NULL,
    http_only BOOLEAN NOT NULL,
    same_site BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (host, name, path)
);
`)
	if err != nil {
		return fmt.Errorf("credentialpg.ensure_schema: %w", err)
	}
	return nil
}
