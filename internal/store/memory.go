package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/seanblong/docsearch/internal/errs"
	"github.com/seanblong/docsearch/pkg/models"
)

// Memory is a process-local Store. It is selected with the memory:// database
// URL and backs the tests of every package above it.
type Memory struct {
	mu       sync.RWMutex
	docs     map[string]models.Document
	chunks   map[string][]models.Chunk
	insights map[string]models.InsightBundle
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		docs:     make(map[string]models.Document),
		chunks:   make(map[string][]models.Chunk),
		insights: make(map[string]models.InsightBundle),
		now:      time.Now,
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}

func (m *Memory) ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if documentID == "" {
		return errors.New("document id is required")
	}
	cp := make([]models.Chunk, len(chunks))
	now := m.now()
	for i, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to document %q, not %q", c.ID, c.DocumentID, documentID)
		}
		c.Embedding = slices.Clone(c.Embedding)
		c.Attributes = maps.Clone(c.Attributes)
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		cp[i] = c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(cp) == 0 {
		delete(m.chunks, documentID)
		return nil
	}
	m.chunks[documentID] = cp
	return nil
}

func (m *Memory) ChunkCount(_ context.Context, documentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[documentID]), nil
}

func (m *Memory) SimilaritySearch(ctx context.Context, embedding []float32, threshold float64, topK int, f Filters) ([]models.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, errors.New("query embedding is empty")
	}
	return m.rank(f, topK, func(c models.Chunk) (float64, bool) {
		if len(c.Embedding) != len(embedding) {
			return 0, false
		}
		s := cosine(embedding, c.Embedding)
		return s, s >= threshold
	}), nil
}

func (m *Memory) KeywordSearch(ctx context.Context, query string, f Filters, limit int) ([]models.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := queryTerms(query)
	if len(terms) == 0 {
		return []models.SearchResult{}, nil
	}
	return m.rank(f, limit, func(c models.Chunk) (float64, bool) {
		have := make(map[string]bool)
		for _, t := range queryTerms(c.Content) {
			have[t] = true
		}
		var hits int
		for _, t := range terms {
			if have[t] {
				hits++
			}
		}
		return float64(hits) / float64(len(terms)), hits > 0
	}), nil
}

// rank scores every chunk passing f and returns the best limit of them,
// highest score first with ties broken by chunk id.
func (m *Memory) rank(f Filters, limit int, score func(models.Chunk) (float64, bool)) []models.SearchResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.SearchResult{}
	for _, chunks := range m.chunks {
		for _, c := range chunks {
			if !f.Match(c) {
				continue
			}
			s, ok := score(c)
			if !ok {
				continue
			}
			c.Embedding = nil
			c.Attributes = maps.Clone(c.Attributes)
			out = append(out, models.SearchResult{Chunk: c, Score: s})
		}
	}
	slices.SortFunc(out, func(a, b models.SearchResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Chunk.ID, b.Chunk.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) UpsertDocument(ctx context.Context, d models.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.ID == "" {
		return errors.New("document id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if prev, ok := m.docs[d.ID]; ok {
		d.CreatedAt = prev.CreatedAt
	} else if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.Status == "" {
		d.Status = models.StatusPending
	}
	d.Metadata = maps.Clone(d.Metadata)
	d.UpdatedAt = now
	m.docs[d.ID] = d
	return nil
}

func (m *Memory) GetDocument(_ context.Context, id string) (models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return models.Document{}, fmt.Errorf("document %q: %w", id, errs.ErrNotFound)
	}
	d.Metadata = maps.Clone(d.Metadata)
	return d, nil
}

func (m *Memory) SetStatus(_ context.Context, id string, status models.DocumentStatus, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("document %q: %w", id, errs.ErrNotFound)
	}
	if !d.Status.CanTransition(status) {
		return fmt.Errorf("document %q %s -> %s: %w", id, d.Status, status, ErrInvalidTransition)
	}
	d.Status = status
	d.Error = msg
	d.UpdatedAt = m.now()
	m.docs[id] = d
	return nil
}

func (m *Memory) ListDocuments(_ context.Context, q DocumentQuery) ([]models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Document
	if len(q.IDs) > 0 {
		for _, id := range q.IDs {
			if d, ok := m.docs[id]; ok {
				out = append(out, d)
			}
		}
		return out, nil
	}

	for _, d := range m.docs {
		if q.ProjectID != "" && d.Metadata[models.MetaProjectID] != q.ProjectID {
			continue
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b models.Document) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if q.ProjectID == "" && q.Recent > 0 && len(out) > q.Recent {
		out = out[:q.Recent]
	}
	return out, nil
}

func (m *Memory) UpsertInsights(ctx context.Context, b models.InsightBundle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.DocumentID == "" {
		return errors.New("document id is required")
	}
	b.Insights = slices.Clone(b.Insights)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insights[b.DocumentID] = b
	return nil
}

func (m *Memory) GetInsights(_ context.Context, documentID string) (models.InsightBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.insights[documentID]
	if !ok {
		return models.InsightBundle{}, fmt.Errorf("insights for %q: %w", documentID, errs.ErrNotFound)
	}
	b.Insights = slices.Clone(b.Insights)
	return b, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
