// Package file implements raymond.Store as one JSON document per workflow in
// a directory. It is the default backend: no server, no schema, and the
// documents stay readable with any text tool.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/raymondhq/raymond"
)

const docExt = ".json"

// StoreOption configures a file Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store keeps each workflow document at {dir}/{id}.json. Writes go through a
// temp file, fsync, and rename, so a crash at any point leaves either the
// old document or the new one, never a torn mix.
type Store struct {
	dir    string
	logger *slog.Logger
}

var _ raymond.Store = (*Store)(nil)

// New creates a Store rooted at dir, creating the directory if needed.
func New(dir string, opts ...StoreOption) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: %w", err)
	}
	s := &Store{dir: dir, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+docExt)
}

// Read returns the committed document for id, or raymond.ErrNotFound.
func (s *Store) Read(ctx context.Context, id string) (*raymond.Workflow, error) {
	if err := raymond.ValidateWorkflowID(id); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, raymond.ErrNotFound
		}
		return nil, fmt.Errorf("file store: read %s: %w", id, err)
	}
	var doc raymond.Workflow
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("file store: decode %s: %w", id, err)
	}
	return &doc, nil
}

// Write atomically replaces the document for id.
func (s *Store) Write(ctx context.Context, id string, doc *raymond.Workflow) error {
	if err := raymond.ValidateWorkflowID(id); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("file store: encode %s: %w", id, err)
	}

	// Temp file in the same directory so the rename stays on one filesystem.
	tmp, err := os.CreateTemp(s.dir, id+".tmp-*")
	if err != nil {
		return fmt.Errorf("file store: temp for %s: %w", id, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("file store: write %s: %w", id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("file store: sync %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("file store: close %s: %w", id, err)
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		return fmt.Errorf("file store: commit %s: %w", id, err)
	}
	s.syncDir()
	s.logger.Debug("workflow document written", "id", id, "bytes", len(raw))
	return nil
}

// syncDir flushes the directory entry so the rename itself survives a crash.
// Best-effort: directories cannot be fsynced on every platform.
func (s *Store) syncDir() {
	if runtime.GOOS == "windows" {
		return
	}
	d, err := os.Open(s.dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

// List enumerates persisted workflow ids.
func (s *Store) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("file store: list: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, docExt) {
			continue
		}
		id := strings.TrimSuffix(name, docExt)
		if raymond.ValidateWorkflowID(id) != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete removes the document. Deleting an absent document is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := raymond.ValidateWorkflowID(id); err != nil {
		return err
	}
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("file store: delete %s: %w", id, err)
	}
	return nil
}
