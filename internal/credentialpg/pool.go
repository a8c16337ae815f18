// Package credentialpg stores the portal session record and cookie jar in PostgreSQL
// through a pgx connection pool.
package credentialpg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SchemePrefix selects this store in credential store URLs, as in pgx+postgres://host/db.
const SchemePrefix = "pgx+"

// BuildPool creates a small pgx pool. A pgx+ scheme prefix is accepted and stripped.
func BuildPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(strings.TrimPrefix(databaseURL, SchemePrefix))
	if err != nil {
		return nil, fmt.Errorf("credentialpg.parse_config: %w", err)
	}
	config.MinConns = 1
	config.MaxConns = 4
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("credentialpg.open: %w", err)
	}
	return pool, nil
}
