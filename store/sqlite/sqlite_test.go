package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"

	"github.com/raymondhq/raymond"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "raymond.db"))
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func testDoc(t *testing.T, id string) *raymond.Workflow {
	t.Helper()
	doc, err := raymond.NewWorkflow(id, "/tmp/scope", "START.md", 0)
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func TestRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	doc := testDoc(t, "alpha")
	doc.AddCost(0.75)
	if err := s.Write(ctx, "alpha", doc); err != nil {
		t.Fatal(err)
	}

	got, err := s.Read(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "alpha" || got.TotalCostUSD != 0.75 {
		t.Errorf("doc = %+v", got)
	}
}

func TestReadMissing(t *testing.T) {
	s := openStore(t)
	if _, err := s.Read(context.Background(), "nope"); !errors.Is(err, raymond.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpsert(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	doc := testDoc(t, "w")
	if err := s.Write(ctx, "w", doc); err != nil {
		t.Fatal(err)
	}
	doc.AddCost(2)
	if err := s.Write(ctx, "w", doc); err != nil {
		t.Fatal(err)
	}

	got, err := s.Read(ctx, "w")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalCostUSD != 2 {
		t.Errorf("cost = %v, want 2", got.TotalCostUSD)
	}
	ids, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Errorf("ids = %v, want one row after upsert", ids)
	}
}

func TestListOrdered(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b"} {
		if err := s.Write(ctx, id, testDoc(t, id)); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, []string{"a", "b", "c"}) {
		t.Errorf("ids = %v", ids)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if err := s.Write(ctx, "d", testDoc(t, "d")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "d"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "d"); err != nil {
		t.Errorf("second delete: %v", err)
	}
	if _, err := s.Read(ctx, "d"); !errors.Is(err, raymond.ErrNotFound) {
		t.Errorf("read after delete: %v", err)
	}
}

func TestInitIdempotent(t *testing.T) {
	s := openStore(t)
	if err := s.Init(context.Background()); err != nil {
		t.Errorf("second Init: %v", err)
	}
}
