package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/seanblong/docsearch/internal/errs"
	"github.com/seanblong/docsearch/pkg/models"
)

func TestOrQuery(t *testing.T) {
	tests := map[string]string{
		"budget approval":            "budget | approval",
		"Budget, budget & approval!": "budget | approval",
		"it's (Q1)":                  "it | s | q1",
		"   ":                        "",
	}
	for in, want := range tests {
		if got := orQuery(in); got != want {
			t.Errorf("orQuery(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestAttributesJSON(t *testing.T) {
	if got := attributesJSON(nil); got != "{}" {
		t.Errorf("nil map = %q, want {}", got)
	}
	if got := attributesJSON(map[string]string{"project_id": "p1"}); got != `{"project_id":"p1"}` {
		t.Errorf("unexpected encoding %q", got)
	}
}

func TestOrderByIDs(t *testing.T) {
	docs := []models.Document{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	got := orderByIDs(docs, []string{"c", "x", "a", "a"})
	if len(got) != 2 || got[0].ID != "c" || got[1].ID != "a" {
		t.Errorf("unexpected order %v", got)
	}
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), "memory://")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*Memory); !ok {
		t.Errorf("expected *Memory, got %T", s)
	}
}

// TestPostgres_RoundTrip runs against a real database when
// DOCSEARCH_TEST_DATABASE_URL is set.
func TestPostgres_RoundTrip(t *testing.T) {
	url := os.Getenv("DOCSEARCH_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DOCSEARCH_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgres(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgres failed: %v", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx, 2); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	doc := models.Document{ID: "pg-test-doc", Content: "Q1 budget approval decision", Metadata: map[string]string{"project_id": "pg"}}
	if err := s.UpsertDocument(ctx, doc); err != nil {
		t.Fatalf("UpsertDocument failed: %v", err)
	}
	if err := s.SetStatus(ctx, doc.ID, models.StatusProcessing, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	chunks := []models.Chunk{
		{ID: "pg-test-0", DocumentID: doc.ID, Content: "Q1 budget approval decision", Embedding: []float32{1, 0},
			Metadata: models.ChunkMetadata{ChunkIndex: 0, ChunkTotal: 1}, Attributes: map[string]string{"project_id": "pg"}},
	}
	for range 2 {
		if err := s.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
			t.Fatalf("ReplaceChunks failed: %v", err)
		}
	}
	if n, err := s.ChunkCount(ctx, doc.ID); err != nil || n != 1 {
		t.Errorf("expected 1 chunk, got %d (%v)", n, err)
	}

	res, err := s.SimilaritySearch(ctx, []float32{1, 0}, 0.5, 5, Filters{Attributes: map[string]string{"project_id": "pg"}})
	if err != nil || len(res) != 1 {
		t.Fatalf("SimilaritySearch = %v, %v", res, err)
	}
	res, err = s.KeywordSearch(ctx, "budget approval", Filters{DocumentIDs: []string{doc.ID}}, 5)
	if err != nil || len(res) != 1 {
		t.Fatalf("KeywordSearch = %v, %v", res, err)
	}

	if err := s.SetStatus(ctx, doc.ID, models.StatusProcessed, ""); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}
	if err := s.SetStatus(ctx, doc.ID, models.StatusPending, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.GetInsights(ctx, "pg-missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
