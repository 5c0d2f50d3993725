// Package database holds the pgx connection pool, schema bootstrap and the
// user lookups used by login.
package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	connectAttempts = 10
	connectBackoff  = 3 * time.Second
)

// Connect creates a connection pool, retrying until the database answers a
// ping or the attempts run out
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	config.MaxConns = 25
	config.MinConns = 2

	var pool *pgxpool.Pool
	for i := 0; i < connectAttempts; i++ {
		pool, err = pgxpool.NewWithConfig(ctx, config)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				return pool, nil
			}
			pool.Close()
		}
		log.Printf("Waiting for database... (attempt %d/%d): %v", i+1, connectAttempts, err)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("database connection cancelled: %w", ctx.Err())
		case <-time.After(connectBackoff):
		}
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", connectAttempts, err)
}

// CreateTables creates the users and spec_sessions tables if missing
func CreateTables(ctx context.Context, pool *pgxpool.Pool) error {
	log.Println("Creating database tables...")

	usersTable := `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name VARCHAR(255) NOT NULL,
		email VARCHAR(255) NOT NULL UNIQUE,
		hashed_password TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`

	sessionsTable := `
	CREATE TABLE IF NOT EXISTS spec_sessions (
		key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		template VARCHAR(64) NOT NULL,
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_spec_sessions_owner ON spec_sessions(owner);
	`

	tables := []struct {
		name string
		ddl  string
	}{
		{name: "users", ddl: usersTable},
		{name: "spec_sessions", ddl: sessionsTable},
	}
	for _, t := range tables {
		if _, err := pool.Exec(ctx, t.ddl); err != nil {
			return fmt.Errorf("failed to create %s table: %w", t.name, err)
		}
	}

	log.Println("Database tables ready")
	return nil
}
