package raymond

import (
	"context"
	"log/slog"
	"os"
)

// Store persists workflow documents keyed by workflow id. Implementations
// live in store/file (the default), store/sqlite, and store/postgres. All of
// them guarantee that Read never observes a half-written document: Write is
// atomic, and a failed Write leaves the previous committed document intact.
//
// The store is the only cross-workflow singleton. It takes no cross-process
// locks; two orchestrator instances must not operate on the same id.
type Store interface {
	// Read returns the latest committed document, or ErrNotFound.
	Read(ctx context.Context, id string) (*Workflow, error)
	// Write atomically replaces the document for id.
	Write(ctx context.Context, id string, doc *Workflow) error
	// List enumerates the ids of every persisted workflow.
	List(ctx context.Context) ([]string, error)
	// Delete removes the document after successful completion.
	Delete(ctx context.Context, id string) error
}

// Recover enumerates the store at startup and loads every persisted
// workflow, typically paused or interrupted mid-step. A workflow whose scope
// directory no longer exists is skipped with a structured diagnostic rather
// than failing the whole recovery.
func Recover(ctx context.Context, st Store, logger *slog.Logger) ([]*Workflow, error) {
	if logger == nil {
		logger = nopLogger
	}
	ids, err := st.List(ctx)
	if err != nil {
		return nil, err
	}
	var docs []*Workflow
	for _, id := range ids {
		doc, err := st.Read(ctx, id)
		if err != nil {
			logger.Error("recovery: unreadable workflow document", "workflow", id, "err", err)
			continue
		}
		if info, err := os.Stat(doc.ScopeDir); err != nil || !info.IsDir() {
			logger.Warn("recovery: scope directory missing, skipping workflow",
				"workflow", id, "scope", doc.ScopeDir)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
