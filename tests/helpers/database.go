//go:build integration

package helpers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/database"
)

// buildDatabaseURL constructs the database URL from environment variables
func buildDatabaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "postgres")
	password := getEnv("POSTGRES_PASSWORD", "postgres")
	dbname := getEnv("POSTGRES_DB", "spec_drafter")

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=prefer", user, password, host, port, dbname)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// TestDatabase provides database utilities for testing
type TestDatabase struct {
	Pool *pgxpool.Pool
	ctx  context.Context
	keys []string
	ids  []string
}

// NewTestDatabase connects, creates the schema and registers cleanup
func NewTestDatabase(t *testing.T) *TestDatabase {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, buildDatabaseURL())
	if err != nil {
		t.Fatalf("Failed to create test database pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("Postgres not reachable, skipping: %v", err)
	}
	if err := database.CreateTables(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("Failed to create tables: %v", err)
	}

	db := &TestDatabase{Pool: pool, ctx: context.Background()}
	t.Cleanup(func() { db.cleanup(t) })
	return db
}

// SessionKey returns a unique snapshot key and deletes it after the test
func (db *TestDatabase) SessionKey(prefix string) (string, string) {
	id := prefix + "-" + uuid.New().String()
	key := "requirement_payload:" + id
	db.keys = append(db.keys, key)
	return id, key
}

// CreateTestUser inserts a user with a bcrypt hash of password
func (db *TestDatabase) CreateTestUser(t *testing.T, email, password string) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}

	var userID string
	err = db.Pool.QueryRow(db.ctx, `
		INSERT INTO users (name, email, hashed_password)
		VALUES ($1, $2, $3)
		RETURNING id
	`, "Test User", strings.ToLower(email), string(hash)).Scan(&userID)
	if err != nil {
		t.Fatalf("Failed to create test user: %v", err)
	}

	db.ids = append(db.ids, userID)
	return userID
}

// UniqueEmail returns an email address no other test uses
func UniqueEmail(prefix string) string {
	return fmt.Sprintf("%s-%d@example.com", prefix, time.Now().UnixNano())
}

func (db *TestDatabase) cleanup(t *testing.T) {
	for _, key := range db.keys {
		if _, err := db.Pool.Exec(db.ctx, `DELETE FROM spec_sessions WHERE key = $1`, key); err != nil {
			t.Logf("Warning: failed to delete session %s: %v", key, err)
		}
	}
	for _, id := range db.ids {
		if _, err := db.Pool.Exec(db.ctx, `DELETE FROM users WHERE id = $1`, id); err != nil {
			t.Logf("Warning: failed to delete user %s: %v", id, err)
		}
	}
	db.Pool.Close()
}
