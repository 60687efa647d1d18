// Package pgstore provides a PostgreSQL implementation of triage.StateStore.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var tracer = otel.Tracer("github.com/linnemanlabs/edrtriage/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists state documents in PostgreSQL, one JSONB row per key.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pgstore: nil pool")
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("triage.document", key),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Load returns the document stored under key.
func (s *Store) Load(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Load", "SELECT", key)
	defer span.End()

	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc::text FROM state_documents WHERE key = $1`, key).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("select %s: %w", key, err))
	}
	return doc, true, nil
}

// Save upserts the document stored under key and bumps its revision.
func (s *Store) Save(ctx context.Context, key string, doc []byte) error {
	ctx, span := startSpan(ctx, "pgstore.Save", "UPSERT", key)
	defer span.End()

	var rev int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO state_documents (key, doc)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (key) DO UPDATE SET
			doc        = EXCLUDED.doc,
			revision   = state_documents.revision + 1,
			updated_at = now()
		RETURNING revision`,
		key, string(doc),
	).Scan(&rev)
	if err != nil {
		return fail(span, fmt.Errorf("upsert %s: %w", key, err))
	}
	span.SetAttributes(attribute.Int64("triage.revision", rev))
	return nil
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
