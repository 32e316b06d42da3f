// Package postgres implements raymond.Store using PostgreSQL with documents
// in a jsonb column. Suited to fleets of orchestrators sharing one store,
// where the per-id external mutual exclusion is arranged by the operator.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor injection.
// The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/raymondhq/raymond"
)

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store implements raymond.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ raymond.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the schema.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		document JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("postgres: create schema: %w", err)
	}
	return nil
}

// Read returns the committed document for id, or raymond.ErrNotFound.
func (s *Store) Read(ctx context.Context, id string) (*raymond.Workflow, error) {
	if err := raymond.ValidateWorkflowID(id); err != nil {
		return nil, err
	}
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT document FROM workflows WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, raymond.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: read %s: %w", id, err)
	}
	var doc raymond.Workflow
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("postgres: decode %s: %w", id, err)
	}
	return &doc, nil
}

// Write upserts the document for id. The single-statement upsert is atomic;
// readers see either the previous document or the new one.
func (s *Store) Write(ctx context.Context, id string, doc *raymond.Workflow) error {
	if err := raymond.ValidateWorkflowID(id); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("postgres: encode %s: %w", id, err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO workflows (id, document, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document, updated_at = now()`,
		id, raw)
	if err != nil {
		return fmt.Errorf("postgres: write %s: %w", id, err)
	}
	s.logger.Debug("postgres: workflow written", "id", id, "bytes", len(raw))
	return nil
}

// List enumerates persisted workflow ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM workflows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: list scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes the document. Deleting an absent document is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := raymond.ValidateWorkflowID(id); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: delete %s: %w", id, err)
	}
	return nil
}
