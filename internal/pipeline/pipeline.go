// Package pipeline wires the chunker, embedder, enricher, store, retriever and
// insight extractor into the ingestion and query entrypoints.
package pipeline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/docsearch/internal/ai"
	"github.com/seanblong/docsearch/internal/chunker"
	"github.com/seanblong/docsearch/internal/embedder"
	"github.com/seanblong/docsearch/internal/enricher"
	"github.com/seanblong/docsearch/internal/errs"
	"github.com/seanblong/docsearch/internal/insights"
	"github.com/seanblong/docsearch/internal/metrics"
	"github.com/seanblong/docsearch/internal/search"
	"github.com/seanblong/docsearch/internal/store"
	"github.com/seanblong/docsearch/pkg/models"
)

// Stage names reported in Result.Stages.
const (
	StageValidate = "validate"
	StageChunk    = "chunk"
	StageEmbed    = "embed"
	StageEnrich   = "enrich"
	StageStore    = "store"
	StageInsights = "insights"
)

type Config struct {
	Chunking   chunker.Config  `yaml:"chunking"`
	BatchSize  int             `yaml:"batchSize" split_words:"true"`
	Enrichment enricher.Config `yaml:"enrichment"`
	Search     search.Config   `yaml:"search"`
	Insights   insights.Config `yaml:"insights"`
}

func DefaultConfig() Config {
	return Config{
		Chunking:   chunker.DefaultConfig(),
		BatchSize:  embedder.DefaultBatchSize,
		Enrichment: enricher.DefaultConfig(),
		Search:     search.DefaultConfig(),
		Insights:   insights.DefaultConfig(),
	}
}

// Deps are the collaborators a Pipeline is built from. Cache and Metrics are
// optional.
type Deps struct {
	Embedder  ai.Embedder
	Completer ai.Completer
	Store     store.Store
	Cache     search.QueryCache
	Metrics   *metrics.Metrics
}

// Pipeline is safe for concurrent use by multiple documents and queries.
type Pipeline struct {
	cfg       Config
	store     store.Store
	embedder  *embedder.Embedder
	enricher  *enricher.Enricher
	retriever *search.Service
	extractor *insights.Extractor
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New validates cfg and builds a pipeline over d. Call Close when done.
func New(cfg Config, d Deps) (*Pipeline, error) {
	if d.Embedder == nil || d.Completer == nil || d.Store == nil {
		return nil, errs.Validation("new pipeline", "embedder, completer and store are required")
	}
	if err := cfg.Chunking.Validate(); err != nil {
		return nil, err
	}
	if cfg.BatchSize < 0 {
		return nil, errs.Validationf("new pipeline", errs.ErrInvalidConfig, "batch size must be positive, got %d", cfg.BatchSize)
	}

	emb, err := embedder.New(d.Embedder, cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	enr, err := enricher.New(d.Completer, cfg.Enrichment, d.Metrics)
	if err != nil {
		return nil, err
	}
	ext, err := insights.New(d.Completer, d.Store, cfg.Insights, d.Metrics)
	if err != nil {
		enr.Release()
		return nil, err
	}
	if cfg.Search.CacheNamespace == "" {
		cfg.Search.CacheNamespace = "dim-" + strconv.Itoa(d.Embedder.Dim())
	}
	ret := search.NewService(emb, d.Completer, d.Store, cfg.Search).WithMetrics(d.Metrics)
	if d.Cache != nil {
		ret = ret.WithCache(d.Cache)
	}

	return &Pipeline{
		cfg:       cfg,
		store:     d.Store,
		embedder:  emb,
		enricher:  enr,
		retriever: ret,
		extractor: ext,
		metrics:   d.Metrics,
		logger:    log.Logger.With().Str("component", "pipeline").Logger(),
	}, nil
}

// SetLogger routes the logs of the pipeline and all its components to l.
func (p *Pipeline) SetLogger(l zerolog.Logger) {
	p.logger = l.With().Str("component", "pipeline").Logger()
	p.embedder = p.embedder.WithLogger(l)
	p.enricher.SetLogger(l)
	p.retriever.SetLogger(l)
	p.extractor.SetLogger(l)
}

// Close releases the enricher worker pool. It does not close the store.
func (p *Pipeline) Close() {
	p.enricher.Release()
}

// Result is the outcome of ProcessDocument.
type Result struct {
	DocumentID string               `json:"document_id"`
	Success    bool                 `json:"success"`
	ChunkCount int                  `json:"chunk_count"`
	Error      string               `json:"error,omitempty"`
	Stages     []models.StageResult `json:"stages"`
}

func (r *Result) stage(name string, outcome models.StageOutcome, err error) {
	r.Stages = append(r.Stages, models.StageResult{Stage: name, Outcome: outcome, Error: errs.Distill(err)})
}

// ProcessDocument chunks, embeds, enriches and stores content as document id,
// replacing any chunks a previous run stored. Embedding and storage failures
// mark the document failed; enrichment failures only degrade chunk metadata.
func (p *Pipeline) ProcessDocument(ctx context.Context, id, content string, meta map[string]string) Result {
	start := time.Now()
	defer p.metrics.ObserveStage("process_document", start)
	res := Result{DocumentID: id}
	lg := p.logger.With().Str("document_id", id).Logger()

	if err := validateInput(id, content); err != nil {
		res.stage(StageValidate, models.OutcomeFatal, err)
		res.Error = errs.Distill(err)
		p.metrics.DocumentProcessed("rejected")
		return res
	}
	res.stage(StageValidate, models.OutcomeOK, nil)

	doc := models.Document{ID: id, Content: content, Metadata: meta, Status: models.StatusProcessing}
	if err := p.store.UpsertDocument(ctx, doc); err != nil {
		err = errs.Storage("save document", err)
		lg.Error().Err(err).Msg("document upsert failed")
		res.stage(StageStore, models.OutcomeFatal, err)
		res.Error = errs.Distill(err)
		p.metrics.DocumentProcessed(string(models.StatusFailed))
		return res
	}

	t := time.Now()
	segs, err := chunker.Chunk(content, p.cfg.Chunking)
	p.metrics.ObserveStage(StageChunk, t)
	if err != nil {
		return p.fail(ctx, lg, res, StageChunk, err)
	}
	res.stage(StageChunk, models.OutcomeOK, nil)

	texts := make([]string, len(segs))
	for i, s := range segs {
		texts[i] = s.Text
	}

	t = time.Now()
	vecs, err := p.embedder.Embed(ctx, texts)
	p.metrics.ObserveStage(StageEmbed, t)
	if err != nil {
		return p.fail(ctx, lg, res, StageEmbed, err)
	}
	res.stage(StageEmbed, models.OutcomeOK, nil)

	t = time.Now()
	notes := p.enricher.Enrich(ctx, texts)
	p.metrics.ObserveStage(StageEnrich, t)
	res.Stages = append(res.Stages, enrichStage(p.cfg.Enrichment, notes))

	chunks := buildChunks(id, segs, vecs, notes, meta)
	t = time.Now()
	err = p.store.ReplaceChunks(ctx, id, chunks)
	p.metrics.ObserveStage(StageStore, t)
	if err != nil {
		return p.fail(ctx, lg, res, StageStore, errs.Storage("store chunks", err))
	}
	p.metrics.StoredChunks(len(chunks))

	if err := p.markProcessed(ctx, lg, id); err != nil {
		return p.fail(ctx, lg, res, StageStore, errs.Storage("mark processed", err))
	}
	res.stage(StageStore, models.OutcomeOK, nil)
	p.metrics.DocumentProcessed(string(models.StatusProcessed))
	lg.Info().Int("chunks", len(chunks)).Msg("document processed")

	res.Success = true
	res.ChunkCount = len(chunks)
	return res
}

// markProcessed writes the final status, retrying once.
func (p *Pipeline) markProcessed(ctx context.Context, lg zerolog.Logger, id string) error {
	err := p.store.SetStatus(ctx, id, models.StatusProcessed, "")
	if err == nil || ctx.Err() != nil {
		return err
	}
	lg.Warn().Err(err).Msg("failed to mark document processed, retrying")
	return p.store.SetStatus(ctx, id, models.StatusProcessed, "")
}

func (p *Pipeline) fail(ctx context.Context, lg zerolog.Logger, res Result, stage string, err error) Result {
	lg.Error().Err(err).Str("stage", stage).Msg("document processing failed")
	res.stage(stage, models.OutcomeFatal, err)
	res.Error = errs.Distill(err)
	if serr := p.store.SetStatus(ctx, res.DocumentID, models.StatusFailed, res.Error); serr != nil {
		lg.Warn().Err(serr).Msg("failed to mark document failed")
	}
	p.metrics.DocumentProcessed(string(models.StatusFailed))
	return res
}

func validateInput(id, content string) error {
	if strings.TrimSpace(id) == "" {
		return errs.Validation("process document", "document id is required")
	}
	if strings.TrimSpace(content) == "" {
		return errs.Validationf("process document", errs.ErrEmptyContent, "content is empty")
	}
	return nil
}

func enrichStage(cfg enricher.Config, notes []enricher.Annotation) models.StageResult {
	if !cfg.Keywords && !cfg.Summary && !cfg.Entities {
		return models.StageResult{Stage: StageEnrich, Outcome: models.OutcomeSkipped}
	}
	var degraded int
	for _, n := range notes {
		if n.Outcome() == models.OutcomeDegraded {
			degraded++
		}
	}
	if degraded == 0 {
		return models.StageResult{Stage: StageEnrich, Outcome: models.OutcomeOK}
	}
	return models.StageResult{
		Stage:   StageEnrich,
		Outcome: models.OutcomeDegraded,
		Error:   fmt.Sprintf("%d of %d chunks missing some metadata", degraded, len(notes)),
	}
}

func buildChunks(docID string, segs []chunker.Segment, vecs [][]float32, notes []enricher.Annotation, meta map[string]string) []models.Chunk {
	out := make([]models.Chunk, len(segs))
	for i, s := range segs {
		md := models.ChunkMetadata{
			ChunkIndex: i,
			ChunkTotal: len(segs),
			CharStart:  s.Start,
			CharEnd:    s.End,
			CharLength: s.Len(),
		}
		if i < len(notes) {
			n := notes[i]
			md.Keywords = n.Keywords
			md.Summary = n.Summary
			if !n.Entities.Empty() {
				ents := n.Entities
				md.Entities = &ents
			}
		}
		out[i] = models.Chunk{
			ID:         chunkID(docID, i),
			DocumentID: docID,
			Content:    s.Text,
			Embedding:  vecs[i],
			Metadata:   md,
			Attributes: maps.Clone(meta),
		}
	}
	return out
}

func chunkID(docID string, index int) string {
	h := sha1.Sum([]byte(docID + "#" + strconv.Itoa(index)))
	return hex.EncodeToString(h[:])
}

// TranscriptResult is the outcome of ProcessMeetingTranscript.
type TranscriptResult struct {
	MeetingID  string                `json:"meeting_id"`
	Success    bool                  `json:"success"`
	ChunkCount int                   `json:"chunk_count"`
	Insights   *models.InsightBundle `json:"insights,omitempty"`
	Error      string                `json:"error,omitempty"`
	Stages     []models.StageResult  `json:"stages"`
}

// ProcessMeetingTranscript ingests transcript as a document tagged
// source_type=meeting_transcript, then extracts and stores its insights.
func (p *Pipeline) ProcessMeetingTranscript(ctx context.Context, meetingID, transcript string, meta map[string]string) TranscriptResult {
	m := maps.Clone(meta)
	if m == nil {
		m = make(map[string]string, 1)
	}
	m[models.MetaSourceType] = models.SourceMeetingTranscript

	r := p.ProcessDocument(ctx, meetingID, transcript, m)
	out := TranscriptResult{
		MeetingID:  meetingID,
		Success:    r.Success,
		ChunkCount: r.ChunkCount,
		Error:      r.Error,
		Stages:     r.Stages,
	}
	if !r.Success {
		return out
	}

	bundle, err := p.extractor.ExtractAndStore(ctx, meetingID, transcript, m)
	if err != nil {
		p.logger.Error().Err(err).Str("document_id", meetingID).Msg("insight extraction failed")
		out.Success = false
		out.Error = errs.Distill(err)
		out.Stages = append(out.Stages, models.StageResult{Stage: StageInsights, Outcome: models.OutcomeFatal, Error: out.Error})
		return out
	}
	out.Insights = &bundle
	out.Stages = append(out.Stages, models.StageResult{Stage: StageInsights, Outcome: models.OutcomeOK})
	return out
}

func (p *Pipeline) Search(ctx context.Context, req search.Request) (search.Response, error) {
	return p.retriever.Search(ctx, req)
}

func (p *Pipeline) HybridSearch(ctx context.Context, query string, f store.Filters, limit int) ([]models.SearchResult, error) {
	return p.retriever.HybridSearch(ctx, query, f, limit)
}

func (p *Pipeline) ExtractInsights(ctx context.Context, documentID string) (models.InsightBundle, error) {
	d, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return models.InsightBundle{}, errs.Storage("load document", err)
	}
	return p.extractor.ExtractAndStore(ctx, d.ID, d.Content, d.Metadata)
}

func (p *Pipeline) ExtractInsightsBatch(ctx context.Context, sel insights.Selector) (insights.BatchResult, error) {
	return p.extractor.ExtractBatch(ctx, sel)
}

func (p *Pipeline) Insights(ctx context.Context, documentID string) (models.InsightBundle, error) {
	return p.store.GetInsights(ctx, documentID)
}

func (p *Pipeline) Document(ctx context.Context, id string) (models.Document, error) {
	return p.store.GetDocument(ctx, id)
}
