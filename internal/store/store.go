package store

import (
	"context"
	"errors"
	"slices"
	"strings"
	"unicode"

	"github.com/seanblong/docsearch/pkg/models"
)

// ErrInvalidTransition is returned by SetStatus when a document may not move
// to the requested status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Filters restrict a search to a subset of chunks. Empty fields match
// everything.
type Filters struct {
	DocumentIDs []string          // optional: only chunks of these documents
	Attributes  map[string]string // optional: chunk attributes that must all match
}

// Match reports whether c passes f.
func (f Filters) Match(c models.Chunk) bool {
	if len(f.DocumentIDs) > 0 && !slices.Contains(f.DocumentIDs, c.DocumentID) {
		return false
	}
	for k, v := range f.Attributes {
		if c.Attributes[k] != v {
			return false
		}
	}
	return true
}

// ChunkStore persists chunks with their embeddings and serves both retrieval
// paths.
type ChunkStore interface {
	// ReplaceChunks atomically swaps every chunk of documentID for chunks.
	ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error
	// SimilaritySearch returns at most topK chunks with cosine similarity >=
	// threshold, most similar first.
	SimilaritySearch(ctx context.Context, embedding []float32, threshold float64, topK int, f Filters) ([]models.SearchResult, error)
	// KeywordSearch ranks chunks by term overlap with query.
	KeywordSearch(ctx context.Context, query string, f Filters, limit int) ([]models.SearchResult, error)
	ChunkCount(ctx context.Context, documentID string) (int, error)
}

// DocumentQuery selects documents. IDs take precedence over ProjectID, which
// takes precedence over Recent.
type DocumentQuery struct {
	IDs       []string
	ProjectID string
	Recent    int
}

type DocumentStore interface {
	// UpsertDocument creates d or replaces its content, metadata and status.
	UpsertDocument(ctx context.Context, d models.Document) error
	GetDocument(ctx context.Context, id string) (models.Document, error)
	// SetStatus moves a document to status, recording msg as its error text.
	SetStatus(ctx context.Context, id string, status models.DocumentStatus, msg string) error
	ListDocuments(ctx context.Context, q DocumentQuery) ([]models.Document, error)
}

type InsightStore interface {
	// UpsertInsights replaces the bundle stored for b.DocumentID.
	UpsertInsights(ctx context.Context, b models.InsightBundle) error
	GetInsights(ctx context.Context, documentID string) (models.InsightBundle, error)
}

// Store is the full persistence surface used by the pipeline.
type Store interface {
	ChunkStore
	DocumentStore
	InsightStore
	Ping(ctx context.Context) error
	Close()
}

// queryTerms splits text into distinct lower-case alphanumeric terms.
func queryTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
