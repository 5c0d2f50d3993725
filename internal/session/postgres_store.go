package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bizmatters/agent-builder/spec-drafter/internal/spec"
)

// PostgresStore persists snapshots in the spec_sessions table as JSONB
type PostgresStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewPostgresStore creates a store backed by pool. The table is created by
// database.CreateTables.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		tracer: otel.Tracer("session-store"),
	}
}

// Load returns the snapshot stored under key
func (s *PostgresStore) Load(ctx context.Context, key string) (*Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "session_store.load")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM spec_sessions WHERE key = $1`,
		key,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		span.RecordError(err)
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", key, err)
	}

	// jsonb does not keep member order; restore template order
	if tmpl, err := spec.Lookup(string(snap.Template)); err == nil {
		if draft, err := tmpl.ConformDraft(snap.Response.SpecDraft); err == nil {
			snap.Response.SpecDraft = draft
		}
	}
	return &snap, nil
}

// Save upserts the snapshot under key
func (s *PostgresStore) Save(ctx context.Context, key string, snap Snapshot) error {
	ctx, span := s.tracer.Start(ctx, "session_store.save")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", key, err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO spec_sessions (key, owner, template, payload, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (key)
		DO UPDATE SET owner = EXCLUDED.owner, template = EXCLUDED.template,
		              payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
	`, key, snap.Owner, string(snap.Template), string(payload), snap.UpdatedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Delete removes key; deleting a missing key is not an error
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	ctx, span := s.tracer.Start(ctx, "session_store.delete")
	defer span.End()
	span.SetAttributes(attribute.String("key", key))

	if _, err := s.pool.Exec(ctx, `DELETE FROM spec_sessions WHERE key = $1`, key); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}
