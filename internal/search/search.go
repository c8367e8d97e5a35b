// Package search implements hybrid retrieval: vector similarity with a keyword
// fallback, followed by an optional model rerank that fails open.
package search

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/docsearch/internal/ai"
	"github.com/seanblong/docsearch/internal/errs"
	"github.com/seanblong/docsearch/internal/metrics"
	"github.com/seanblong/docsearch/internal/store"
	"github.com/seanblong/docsearch/pkg/models"
)

// Retrieval paths reported in Response.Path and metrics.
const (
	PathVector  = "vector"
	PathKeyword = "keyword"
	pathError   = "error"
)

// Stage names reported in Response.Stages.
const (
	StageEmbed    = "embed"
	StageRetrieve = "retrieve"
	StageRerank   = "rerank"
)

const (
	DefaultLimit          = 10
	DefaultExcerptLength  = 200
	DefaultMatchThreshold = 0.5
)

// MaxLimit bounds the results of one request; larger limits are clamped.
const MaxLimit = 100

// Embedder turns texts into vectors. *embedder.Embedder satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// QueryCache memoizes query embeddings. *cache.Redis satisfies it.
type QueryCache interface {
	GetOrCompute(ctx context.Context, namespace, text string, compute func(context.Context) ([]float32, error)) ([]float32, bool, error)
}

type Config struct {
	MatchThreshold float64 `yaml:"matchThreshold" split_words:"true"`
	Rerank         bool    `yaml:"rerank"`
	RerankModel    string  `yaml:"rerankModel" split_words:"true"`
	ExcerptLength  int     `yaml:"excerptLength" split_words:"true"`
	DefaultLimit   int     `yaml:"defaultLimit" split_words:"true"`
	// CacheNamespace separates cached embeddings of different models.
	CacheNamespace string `yaml:"-" ignored:"true"`
}

func DefaultConfig() Config {
	return Config{
		MatchThreshold: DefaultMatchThreshold,
		Rerank:         true,
		ExcerptLength:  DefaultExcerptLength,
		DefaultLimit:   DefaultLimit,
	}
}

type Request struct {
	Query   string
	Filters store.Filters
	Limit   int
	// KeywordOnly skips embedding and rerank and goes straight to keyword search.
	KeywordOnly bool
}

type Response struct {
	Results  []models.SearchResult `json:"results"`
	Path     string                `json:"path"`
	Reranked bool                  `json:"reranked"`
	Stages   []models.StageResult  `json:"stages"`
}

type Service struct {
	embedder  Embedder
	completer ai.Completer
	store     store.ChunkStore
	cache     QueryCache
	cfg       Config
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewService creates a new search service. completer may be nil, which
// disables reranking.
func NewService(e Embedder, completer ai.Completer, s store.ChunkStore, cfg Config) *Service {
	if cfg.ExcerptLength <= 0 {
		cfg.ExcerptLength = DefaultExcerptLength
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	return &Service{
		embedder:  e,
		completer: completer,
		store:     s,
		cfg:       cfg,
		logger:    log.Logger.With().Str("component", "search").Logger(),
	}
}

func (s *Service) WithCache(c QueryCache) *Service {
	s.cache = c
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "search").Logger()
}

// HybridSearch returns up to limit results for query.
func (s *Service) HybridSearch(ctx context.Context, query string, f store.Filters, limit int) ([]models.SearchResult, error) {
	resp, err := s.Search(ctx, Request{Query: query, Filters: f, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Search runs the embed, retrieve and rerank stages for req. Only a failed
// query embedding, or a keyword fallback that also fails, is returned as an
// error.
func (s *Service) Search(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	defer s.metrics.ObserveStage("search", start)

	q := strings.TrimSpace(req.Query)
	if q == "" {
		return Response{}, errs.Validationf("search", errs.ErrEmptyContent, "query is empty")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultLimit
	}
	limit = min(limit, MaxLimit)

	resp := Response{Path: PathVector}
	if req.KeywordOnly {
		resp.Path = PathKeyword
		resp.Stages = append(resp.Stages, models.StageResult{Stage: StageEmbed, Outcome: models.OutcomeSkipped})
		cands, err := s.store.KeywordSearch(ctx, q, req.Filters, limit)
		if err != nil {
			s.metrics.Searched(pathError)
			return Response{}, errs.Storage("keyword search", err)
		}
		resp.Stages = append(resp.Stages,
			models.StageResult{Stage: StageRetrieve, Outcome: models.OutcomeOK},
			models.StageResult{Stage: StageRerank, Outcome: models.OutcomeSkipped},
		)
		resp.Results = s.finish(cands, limit)
		s.metrics.Searched(resp.Path)
		return resp, nil
	}

	vec, err := s.embedQuery(ctx, q)
	if err != nil {
		s.logger.Error().Err(err).Msg("query embedding failed")
		s.metrics.Searched(pathError)
		return Response{}, err
	}
	resp.Stages = append(resp.Stages, models.StageResult{Stage: StageEmbed, Outcome: models.OutcomeOK})

	cands, err := s.store.SimilaritySearch(ctx, vec, s.cfg.MatchThreshold, limit*2, req.Filters)
	if err != nil {
		s.logger.Warn().Err(err).Msg("similarity search failed, falling back to keyword search")
		kw, kerr := s.store.KeywordSearch(ctx, q, req.Filters, limit)
		if kerr != nil {
			s.metrics.Searched(pathError)
			return Response{}, errs.Storage("keyword search", errors.Join(err, kerr))
		}
		resp.Path = PathKeyword
		resp.Stages = append(resp.Stages,
			models.StageResult{Stage: StageRetrieve, Outcome: models.OutcomeDegraded, Error: errs.Distill(errs.Degraded("similarity search", err))},
			models.StageResult{Stage: StageRerank, Outcome: models.OutcomeSkipped},
		)
		resp.Results = s.finish(kw, limit)
		s.metrics.Searched(resp.Path)
		return resp, nil
	}
	resp.Stages = append(resp.Stages, models.StageResult{Stage: StageRetrieve, Outcome: models.OutcomeOK})

	sortByScore(cands)
	resp.Stages = append(resp.Stages, s.maybeRerank(ctx, q, &cands, &resp.Reranked))
	resp.Results = s.finish(cands, limit)
	s.metrics.Searched(resp.Path)
	return resp, nil
}

func (s *Service) embedQuery(ctx context.Context, q string) ([]float32, error) {
	compute := func(ctx context.Context) ([]float32, error) {
		vecs, err := s.embedder.Embed(ctx, []string{q})
		if err != nil {
			return nil, err
		}
		return vecs[0], nil
	}
	if s.cache == nil {
		return compute(ctx)
	}
	vec, hit, err := s.cache.GetOrCompute(ctx, s.cfg.CacheNamespace, q, compute)
	if hit {
		s.logger.Debug().Msg("query embedding cache hit")
	}
	return vec, err
}

func (s *Service) maybeRerank(ctx context.Context, q string, cands *[]models.SearchResult, reranked *bool) models.StageResult {
	skipped := models.StageResult{Stage: StageRerank, Outcome: models.OutcomeSkipped}
	if !s.cfg.Rerank || s.completer == nil || len(*cands) < 2 {
		return skipped
	}
	order, err := s.rerank(ctx, q, *cands)
	if err != nil {
		err = errs.Degraded("rerank", err)
		s.logger.Warn().Err(err).Int("candidates", len(*cands)).Msg("rerank failed, keeping similarity order")
		s.metrics.RerankFailed()
		return models.StageResult{Stage: StageRerank, Outcome: models.OutcomeDegraded, Error: errs.Distill(err)}
	}
	out := make([]models.SearchResult, len(order))
	for i, idx := range order {
		out[i] = (*cands)[idx]
	}
	*cands = out
	*reranked = true
	return models.StageResult{Stage: StageRerank, Outcome: models.OutcomeOK}
}

func (s *Service) rerank(ctx context.Context, q string, cands []models.SearchResult) ([]int, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nCandidates:\n", q)
	for i, c := range cands {
		fmt.Fprintf(&b, "[%d] %s\n", i, oneLine(ai.Truncate(c.Chunk.Content, s.cfg.ExcerptLength)))
	}
	resp, err := s.completer.Complete(ctx, ai.CompletionRequest{
		System: `You rank search results by relevance to a query. Respond with a JSON object ` +
			`{"ranking": [...]} listing candidate indices from most to least relevant.`,
		User:        b.String(),
		Model:       s.cfg.RerankModel,
		Temperature: 0,
		MaxTokens:   200,
		JSON:        true,
	})
	if err != nil {
		return nil, err
	}
	return parseRanking(resp, len(cands))
}

// parseRanking reads a ranking of n candidates from a model reply, either
// {"ranking":[...]} or a bare array. Invalid and repeated indices are dropped
// and omitted candidates follow in their original order.
func parseRanking(resp string, n int) ([]int, error) {
	raw := []byte(ai.StripCodeFence(resp))
	var obj struct {
		Ranking []int `json:"ranking"`
	}
	var idx []int
	if err := json.Unmarshal(raw, &obj); err == nil {
		idx = obj.Ranking
	} else if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("unparseable ranking: %w", err)
	}

	seen := make([]bool, n)
	order := make([]int, 0, n)
	for _, i := range idx {
		if i < 0 || i >= n || seen[i] {
			continue
		}
		seen[i] = true
		order = append(order, i)
	}
	if len(order) == 0 {
		return nil, errors.New("ranking has no valid candidate index")
	}
	for i := range n {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order, nil
}

func (s *Service) finish(cands []models.SearchResult, limit int) []models.SearchResult {
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]models.SearchResult, len(cands))
	for i, c := range cands {
		c.Excerpt = ai.Truncate(c.Chunk.Content, s.cfg.ExcerptLength)
		out[i] = c
	}
	return out
}

// sortByScore orders candidates by score, highest first, with chunk id as the
// tie-break so equal scores rank the same on every call.
func sortByScore(rs []models.SearchResult) {
	slices.SortStableFunc(rs, func(a, b models.SearchResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return strings.Compare(a.Chunk.ID, b.Chunk.ID)
	})
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
