// Package sqlite implements raymond.Store in a local SQLite database. Zero
// CGO required. Useful when many workflows share one machine and the
// operator wants a single queryable file instead of a directory of JSON.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/raymondhq/raymond"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and document size.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store implements raymond.Store backed by a SQLite file. Documents are
// stored as JSON text; a transaction per write gives the same no-torn-read
// guarantee as the file backend's rename.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ raymond.Store = (*Store)(nil)

// New creates a Store using a SQLite file at dbPath. All goroutines
// serialize through one connection, eliminating SQLITE_BUSY errors caused by
// concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the schema.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS workflows (
		id TEXT PRIMARY KEY,
		document TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("sqlite: create schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Read returns the committed document for id, or raymond.ErrNotFound.
func (s *Store) Read(ctx context.Context, id string) (*raymond.Workflow, error) {
	if err := raymond.ValidateWorkflowID(id); err != nil {
		return nil, err
	}
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM workflows WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, raymond.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: read %s: %w", id, err)
	}
	var doc raymond.Workflow
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("sqlite: decode %s: %w", id, err)
	}
	return &doc, nil
}

// Write upserts the document for id.
func (s *Store) Write(ctx context.Context, id string, doc *raymond.Workflow) error {
	if err := raymond.ValidateWorkflowID(id); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("sqlite: encode %s: %w", id, err)
	}
	start := time.Now()
	_, err = s.db.ExecContext(ctx, `INSERT INTO workflows (id, document, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET document = excluded.document, updated_at = excluded.updated_at`,
		id, string(raw), raymond.NowUnix())
	if err != nil {
		return fmt.Errorf("sqlite: write %s: %w", id, err)
	}
	s.logger.Debug("sqlite: workflow written", "id", id, "bytes", len(raw), "took", time.Since(start))
	return nil
}

// List enumerates persisted workflow ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM workflows ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: list scan: %w", err)
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
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: delete %s: %w", id, err)
	}
	return nil
}
