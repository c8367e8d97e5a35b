package search

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/seanblong/docsearch/internal/ai"
	"github.com/seanblong/docsearch/internal/embedder"
	"github.com/seanblong/docsearch/internal/errs"
	"github.com/seanblong/docsearch/internal/metrics"
	"github.com/seanblong/docsearch/internal/store"
	"github.com/seanblong/docsearch/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockEmbedder implements Embedder for testing
type MockEmbedder struct {
	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)
	Calls     int
}

func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.Calls++
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

// MockCompleter implements ai.Completer for testing
type MockCompleter struct {
	CompleteFunc func(ctx context.Context, req ai.CompletionRequest) (string, error)
	LastRequest  ai.CompletionRequest
	Calls        int
}

func (m *MockCompleter) Complete(ctx context.Context, req ai.CompletionRequest) (string, error) {
	m.Calls++
	m.LastRequest = req
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return `{"ranking":[]}`, nil
}

// FlakyStore wraps a Memory store and can fail either search path.
type FlakyStore struct {
	*store.Memory
	SimilarityErr error
	KeywordErr    error
	LastTopK      int
}

func (f *FlakyStore) SimilaritySearch(ctx context.Context, e []float32, th float64, k int, fl store.Filters) ([]models.SearchResult, error) {
	f.LastTopK = k
	if f.SimilarityErr != nil {
		return nil, f.SimilarityErr
	}
	return f.Memory.SimilaritySearch(ctx, e, th, k, fl)
}

func (f *FlakyStore) KeywordSearch(ctx context.Context, q string, fl store.Filters, limit int) ([]models.SearchResult, error) {
	if f.KeywordErr != nil {
		return nil, f.KeywordErr
	}
	return f.Memory.KeywordSearch(ctx, q, fl, limit)
}

// seeded returns a store with chunks c0..c4 whose similarity to [1,0]
// decreases with the index.
func seeded(t *testing.T) *FlakyStore {
	t.Helper()
	m := store.NewMemory()
	embs := [][]float32{{1, 0}, {0.95, 0.31}, {0.9, 0.44}, {0.8, 0.6}, {0.7, 0.71}}
	var chunks []models.Chunk
	for i, e := range embs {
		chunks = append(chunks, models.Chunk{
			ID:         "c" + string(rune('0'+i)),
			DocumentID: "d1",
			Content:    "budget note " + strings.Repeat("x", 300),
			Embedding:  e,
			Metadata:   models.ChunkMetadata{ChunkIndex: i, ChunkTotal: len(embs)},
			Attributes: map[string]string{models.MetaProjectID: "p1"},
		})
	}
	if err := m.ReplaceChunks(context.Background(), "d1", chunks); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return &FlakyStore{Memory: m}
}

func ids(rs []models.SearchResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Chunk.ID
	}
	return out
}

func TestHybridSearch_SingleChunkExample(t *testing.T) {
	ctx := context.Background()
	client := ai.NewStubClient(128)
	emb, err := embedder.New(client, 0)
	if err != nil {
		t.Fatalf("embedder.New failed: %v", err)
	}

	m := store.NewMemory()
	text := "Q1 budget approval decision"
	vecs, _ := emb.Embed(ctx, []string{text})
	_ = m.ReplaceChunks(ctx, "doc", []models.Chunk{{ID: "only", DocumentID: "doc", Content: text, Embedding: vecs[0]}})

	svc := NewService(emb, client, m, DefaultConfig())
	res, err := svc.HybridSearch(ctx, "budget approval", store.Filters{}, 5)
	if err != nil {
		t.Fatalf("HybridSearch failed: %v", err)
	}
	if len(res) != 1 || res[0].Chunk.ID != "only" {
		t.Fatalf("expected the single chunk, got %v", ids(res))
	}
	if res[0].Score <= 0 {
		t.Errorf("expected a positive score, got %f", res[0].Score)
	}
	if res[0].Excerpt != text {
		t.Errorf("unexpected excerpt %q", res[0].Excerpt)
	}
}

func TestSearch_OverfetchesAndTruncates(t *testing.T) {
	st := seeded(t)
	svc := NewService(&MockEmbedder{}, nil, st, DefaultConfig())

	resp, err := svc.Search(context.Background(), Request{Query: "budget", Limit: 2})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if st.LastTopK != 4 {
		t.Errorf("expected 2*limit candidates requested, got %d", st.LastTopK)
	}
	if !reflect.DeepEqual(ids(resp.Results), []string{"c0", "c1"}) {
		t.Errorf("unexpected results %v", ids(resp.Results))
	}
	if resp.Path != PathVector || resp.Reranked {
		t.Errorf("unexpected path %q reranked=%v", resp.Path, resp.Reranked)
	}
	if got := len(resp.Results[0].Excerpt); got != DefaultExcerptLength {
		t.Errorf("expected excerpt of %d bytes, got %d", DefaultExcerptLength, got)
	}
}

func TestSearch_DefaultLimit(t *testing.T) {
	st := seeded(t)
	svc := NewService(&MockEmbedder{}, nil, st, DefaultConfig())
	if _, err := svc.Search(context.Background(), Request{Query: "budget"}); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if st.LastTopK != 2*DefaultLimit {
		t.Errorf("expected default limit, got topK %d", st.LastTopK)
	}
}

func TestSearch_ClampsLimit(t *testing.T) {
	tests := []struct {
		name     string
		limit    int
		wantTopK int
	}{
		{"at max", MaxLimit, 2 * MaxLimit},
		{"above max", MaxLimit + 1, 2 * MaxLimit},
		{"would overflow when doubled", math.MaxInt, 2 * MaxLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := seeded(t)
			svc := NewService(&MockEmbedder{}, nil, st, DefaultConfig())
			resp, err := svc.Search(context.Background(), Request{Query: "budget", Limit: tt.limit})
			if err != nil {
				t.Fatalf("Search failed: %v", err)
			}
			if st.LastTopK != tt.wantTopK {
				t.Errorf("expected topK %d, got %d", tt.wantTopK, st.LastTopK)
			}
			if resp.Path != PathVector {
				t.Errorf("expected vector path, got %q", resp.Path)
			}
			if len(resp.Results) != 5 {
				t.Errorf("expected all 5 seeded chunks, got %d", len(resp.Results))
			}
		})
	}
}

func TestSearch_Rerank(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		err      error
		want     []string
		reranked bool
		outcome  models.StageOutcome
	}{
		{"object ranking", `{"ranking":[2,0,1]}`, nil, []string{"c2", "c0", "c1"}, true, models.OutcomeOK},
		{"bare array in fence", "```json\n[1,2]\n```", nil, []string{"c1", "c2", "c0"}, true, models.OutcomeOK},
		{"invalid and duplicate indices dropped", `{"ranking":[9,2,2,-1]}`, nil, []string{"c2", "c0", "c1"}, true, models.OutcomeOK},
		{"service error fails open", "", errors.New("rate limited"), []string{"c0", "c1", "c2"}, false, models.OutcomeDegraded},
		{"malformed reply fails open", `the best is 2`, nil, []string{"c0", "c1", "c2"}, false, models.OutcomeDegraded},
		{"empty ranking fails open", `{}`, nil, []string{"c0", "c1", "c2"}, false, models.OutcomeDegraded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			m := metrics.New(reg)
			c := &MockCompleter{CompleteFunc: func(context.Context, ai.CompletionRequest) (string, error) {
				return tt.reply, tt.err
			}}
			svc := NewService(&MockEmbedder{}, c, seeded(t), DefaultConfig()).WithMetrics(m)

			resp, err := svc.Search(context.Background(), Request{Query: "budget", Limit: 3})
			if err != nil {
				t.Fatalf("rerank problems must not fail the search: %v", err)
			}
			if !reflect.DeepEqual(ids(resp.Results), tt.want) {
				t.Errorf("results = %v, want %v", ids(resp.Results), tt.want)
			}
			if resp.Reranked != tt.reranked {
				t.Errorf("reranked = %v, want %v", resp.Reranked, tt.reranked)
			}
			if got := resp.Stages[len(resp.Stages)-1]; got.Stage != StageRerank || got.Outcome != tt.outcome {
				t.Errorf("unexpected rerank stage %+v", got)
			}
			wantFailures := 0.0
			if !tt.reranked {
				wantFailures = 1
			}
			if got := testutil.ToFloat64(m.RerankFailures); got != wantFailures {
				t.Errorf("rerank failures = %v, want %v", got, wantFailures)
			}
		})
	}
}

func TestSearch_RerankFailureEqualsSimilarityOrder(t *testing.T) {
	ctx := context.Background()
	plain := NewService(&MockEmbedder{}, nil, seeded(t), DefaultConfig())
	base, err := plain.Search(ctx, Request{Query: "budget", Limit: 4})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	failing := &MockCompleter{CompleteFunc: func(context.Context, ai.CompletionRequest) (string, error) {
		return "", errors.New("boom")
	}}
	svc := NewService(&MockEmbedder{}, failing, seeded(t), DefaultConfig())
	for range 3 {
		got, err := svc.Search(ctx, Request{Query: "budget", Limit: 4})
		if err != nil {
			t.Fatalf("Search failed: %v", err)
		}
		if !reflect.DeepEqual(ids(got.Results), ids(base.Results)) {
			t.Errorf("order %v differs from similarity order %v", ids(got.Results), ids(base.Results))
		}
	}
}

func TestSearch_RerankPrompt(t *testing.T) {
	c := &MockCompleter{CompleteFunc: func(context.Context, ai.CompletionRequest) (string, error) {
		return `{"ranking":[0]}`, nil
	}}
	cfg := DefaultConfig()
	cfg.RerankModel = "gpt-4.1"
	svc := NewService(&MockEmbedder{}, c, seeded(t), cfg)
	if _, err := svc.Search(context.Background(), Request{Query: "budget", Limit: 2}); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	req := c.LastRequest
	if !req.JSON || req.Model != "gpt-4.1" {
		t.Errorf("unexpected request options %+v", req)
	}
	if !strings.Contains(req.User, "Query: budget") || !strings.Contains(req.User, "[3] budget note") {
		t.Errorf("prompt missing query or candidates:\n%s", req.User)
	}
	if strings.Contains(req.User, strings.Repeat("x", DefaultExcerptLength)) {
		t.Error("candidate excerpts should be truncated")
	}
}

func TestSearch_RerankSkipped(t *testing.T) {
	c := &MockCompleter{}
	cfg := DefaultConfig()
	cfg.Rerank = false
	svc := NewService(&MockEmbedder{}, c, seeded(t), cfg)
	if _, err := svc.Search(context.Background(), Request{Query: "budget", Limit: 3}); err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if c.Calls != 0 {
		t.Errorf("rerank disabled but completer called %d times", c.Calls)
	}

	svc = NewService(&MockEmbedder{}, c, seeded(t), DefaultConfig())
	resp, _ := svc.Search(context.Background(), Request{Query: "budget", Filters: store.Filters{DocumentIDs: []string{"none"}}})
	if c.Calls != 0 || len(resp.Results) != 0 {
		t.Errorf("expected no rerank for empty candidates, calls=%d", c.Calls)
	}
}

func TestSearch_KeywordFallback(t *testing.T) {
	st := seeded(t)
	st.SimilarityErr = errors.New("match_chunks failed")
	c := &MockCompleter{}
	svc := NewService(&MockEmbedder{}, c, st, DefaultConfig())

	resp, err := svc.Search(context.Background(), Request{Query: "budget", Limit: 2})
	if err != nil {
		t.Fatalf("fallback should not fail: %v", err)
	}
	if resp.Path != PathKeyword {
		t.Errorf("expected keyword path, got %q", resp.Path)
	}
	if len(resp.Results) != 2 {
		t.Errorf("expected 2 keyword results, got %d", len(resp.Results))
	}
	if c.Calls != 0 {
		t.Error("rerank must be skipped on the fallback path")
	}
	if resp.Stages[1].Outcome != models.OutcomeDegraded {
		t.Errorf("expected degraded retrieve stage, got %+v", resp.Stages[1])
	}
	if strings.Contains(resp.Stages[1].Error, "match_chunks") {
		t.Errorf("stage error leaks internals: %q", resp.Stages[1].Error)
	}

	st.KeywordErr = errors.New("connection reset")
	if _, err := svc.Search(context.Background(), Request{Query: "budget"}); !errs.Is(err, errs.KindStorage) {
		t.Errorf("expected storage error when both paths fail, got %v", err)
	}
}

func TestSearch_KeywordOnly(t *testing.T) {
	e := &MockEmbedder{}
	c := &MockCompleter{}
	svc := NewService(e, c, seeded(t), DefaultConfig())

	resp, err := svc.Search(context.Background(), Request{Query: "budget", Limit: 3, KeywordOnly: true})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if e.Calls != 0 || c.Calls != 0 {
		t.Errorf("keyword mode should not call services: embed=%d complete=%d", e.Calls, c.Calls)
	}
	if resp.Path != PathKeyword || len(resp.Results) != 3 {
		t.Errorf("unexpected response path=%q results=%d", resp.Path, len(resp.Results))
	}
	// Equal keyword scores fall back to id order.
	if !reflect.DeepEqual(ids(resp.Results), []string{"c0", "c1", "c2"}) {
		t.Errorf("unexpected order %v", ids(resp.Results))
	}
}

func TestSearch_EmbeddingFailureIsFatal(t *testing.T) {
	e := &MockEmbedder{EmbedFunc: func(context.Context, []string) ([][]float32, error) {
		return nil, errs.Service("embed batch 0", errors.New("401 invalid key sk-secret"))
	}}
	st := seeded(t)
	svc := NewService(e, nil, st, DefaultConfig())

	_, err := svc.Search(context.Background(), Request{Query: "budget"})
	if !errs.Is(err, errs.KindService) {
		t.Fatalf("expected service error, got %v", err)
	}
	if st.LastTopK != 0 {
		t.Error("store should not be queried when embedding fails")
	}
	if strings.Contains(errs.Distill(err), "sk-secret") {
		t.Error("distilled error leaks credentials")
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	svc := NewService(&MockEmbedder{}, nil, seeded(t), DefaultConfig())
	_, err := svc.Search(context.Background(), Request{Query: "  \n"})
	if !errors.Is(err, errs.ErrEmptyContent) || !errs.Is(err, errs.KindValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestSearch_Filters(t *testing.T) {
	svc := NewService(&MockEmbedder{}, nil, seeded(t), DefaultConfig())
	resp, err := svc.Search(context.Background(), Request{
		Query:   "budget",
		Filters: store.Filters{Attributes: map[string]string{models.MetaProjectID: "other"}},
	})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("expected filter to exclude all chunks, got %v", ids(resp.Results))
	}
}

// MockCache implements QueryCache for testing
type MockCache struct {
	entries map[string][]float32
	hits    int
}

func (m *MockCache) GetOrCompute(ctx context.Context, ns, text string, compute func(context.Context) ([]float32, error)) ([]float32, bool, error) {
	if v, ok := m.entries[ns+"|"+text]; ok {
		m.hits++
		return v, true, nil
	}
	v, err := compute(ctx)
	if err != nil {
		return nil, false, err
	}
	m.entries[ns+"|"+text] = v
	return v, false, nil
}

func TestSearch_UsesQueryCache(t *testing.T) {
	e := &MockEmbedder{}
	mc := &MockCache{entries: map[string][]float32{}}
	cfg := DefaultConfig()
	cfg.CacheNamespace = "stub-128"
	svc := NewService(e, nil, seeded(t), cfg).WithCache(mc)

	for range 3 {
		if _, err := svc.Search(context.Background(), Request{Query: "budget"}); err != nil {
			t.Fatalf("Search failed: %v", err)
		}
	}
	if e.Calls != 1 || mc.hits != 2 {
		t.Errorf("expected one embedding and two cache hits, got %d and %d", e.Calls, mc.hits)
	}
	if _, ok := mc.entries["stub-128|budget"]; !ok {
		t.Error("expected namespaced cache entry")
	}
}

func TestParseRanking(t *testing.T) {
	tests := []struct {
		in      string
		n       int
		want    []int
		wantErr bool
	}{
		{`{"ranking":[1,0]}`, 2, []int{1, 0}, false},
		{`[2]`, 3, []int{2, 0, 1}, false},
		{`{"ranking":[3,3,1]}`, 4, []int{3, 1, 0, 2}, false},
		{`{"ranking":[7]}`, 2, nil, true},
		{`{"ranking":"1,0"}`, 2, nil, true},
		{``, 2, nil, true},
	}
	for _, tt := range tests {
		got, err := parseRanking(tt.in, tt.n)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseRanking(%q) expected error, got %v", tt.in, got)
			}
			continue
		}
		if err != nil || !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseRanking(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
}
