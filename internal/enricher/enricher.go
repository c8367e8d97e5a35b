// Package enricher annotates chunks with keywords, a short summary and named
// entities. Every annotation is best effort: a failed sub-operation logs a
// warning and yields its empty default, it never fails the caller.
package enricher

import (
	"context"
	"encoding/json"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/docsearch/internal/ai"
	"github.com/seanblong/docsearch/internal/errs"
	"github.com/seanblong/docsearch/internal/metrics"
	"github.com/seanblong/docsearch/pkg/models"
)

// Sub-operation names, used in Annotation.Degraded and metrics.
const (
	OpKeywords = "keywords"
	OpSummary  = "summary"
	OpEntities = "entities"
)

// SummaryMinLength is the chunk length above which a summary is generated.
const SummaryMinLength = 500

const maxKeywords = 5

type Config struct {
	Keywords bool   `yaml:"keywords"`
	Summary  bool   `yaml:"summary"`
	Entities bool   `yaml:"entities"`
	Model    string `yaml:"model"`
	Workers  int    `yaml:"workers"`
}

func DefaultConfig() Config {
	return Config{Keywords: true, Summary: true, Entities: true, Workers: 4}
}

func (c Config) enabled() bool { return c.Keywords || c.Summary || c.Entities }

// Annotation is the enrichment result for one chunk.
type Annotation struct {
	Keywords []string
	Summary  string
	Entities models.Entities
	// Degraded lists the sub-operations that failed and fell back to defaults.
	Degraded []string
}

func (a Annotation) Outcome() models.StageOutcome {
	if len(a.Degraded) > 0 {
		return models.OutcomeDegraded
	}
	return models.OutcomeOK
}

// Enricher runs annotation calls through a bounded worker pool.
type Enricher struct {
	completer ai.Completer
	cfg       Config
	pool      *ants.Pool
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New creates an Enricher. Call Release when done with it.
func New(c ai.Completer, cfg Config, m *metrics.Metrics) (*Enricher, error) {
	if c == nil {
		return nil, errs.Validation("new enricher", "completion client is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = max(runtime.NumCPU()/2, 1)
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, err
	}
	return &Enricher{
		completer: c,
		cfg:       cfg,
		pool:      pool,
		metrics:   m,
		logger:    log.Logger.With().Str("component", "enricher").Logger(),
	}, nil
}

func (e *Enricher) SetLogger(l zerolog.Logger) {
	e.logger = l.With().Str("component", "enricher").Logger()
}

// Release stops the worker pool.
func (e *Enricher) Release() {
	e.pool.Release()
}

// Enrich annotates each text. The result has one Annotation per text, in order.
func (e *Enricher) Enrich(ctx context.Context, texts []string) []Annotation {
	out := make([]Annotation, len(texts))
	if !e.cfg.enabled() {
		return out
	}

	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			out[i] = e.Annotate(ctx, text)
		}
		if err := e.pool.Submit(task); err != nil {
			e.logger.Debug().Err(err).Msg("pool unavailable, annotating inline")
			task()
		}
	}
	wg.Wait()
	return out
}

// Annotate runs the enabled sub-operations on one text.
func (e *Enricher) Annotate(ctx context.Context, text string) Annotation {
	var a Annotation
	if e.cfg.Keywords {
		kw, err := e.keywords(ctx, text)
		if err != nil {
			e.degrade(&a, OpKeywords, err)
		}
		a.Keywords = kw
	}
	if e.cfg.Summary && len(text) > SummaryMinLength {
		s, err := e.summary(ctx, text)
		if err != nil {
			e.degrade(&a, OpSummary, err)
		}
		a.Summary = s
	}
	if e.cfg.Entities {
		ents, err := e.entities(ctx, text)
		if err != nil {
			e.degrade(&a, OpEntities, err)
		}
		a.Entities = ents
	}
	return a
}

// ExtractKeywords returns 3-5 key terms, or nil if extraction fails.
func (e *Enricher) ExtractKeywords(ctx context.Context, text string) []string {
	kw, err := e.keywords(ctx, text)
	if err != nil {
		e.degrade(nil, OpKeywords, err)
	}
	return kw
}

// GenerateSummary returns a 1-2 sentence summary for texts longer than
// SummaryMinLength, and "" for shorter texts or on failure.
func (e *Enricher) GenerateSummary(ctx context.Context, text string) string {
	if len(text) <= SummaryMinLength {
		return ""
	}
	s, err := e.summary(ctx, text)
	if err != nil {
		e.degrade(nil, OpSummary, err)
	}
	return s
}

// DetectEntities returns the named entities in text, or none on failure.
func (e *Enricher) DetectEntities(ctx context.Context, text string) models.Entities {
	ents, err := e.entities(ctx, text)
	if err != nil {
		e.degrade(nil, OpEntities, err)
	}
	return ents
}

func (e *Enricher) degrade(a *Annotation, op string, err error) {
	e.logger.Warn().Err(errs.Degraded(op, err)).Str("op", op).Msg("enrichment degraded to default")
	e.metrics.Degraded(op)
	if a != nil {
		a.Degraded = append(a.Degraded, op)
	}
}

func (e *Enricher) keywords(ctx context.Context, text string) ([]string, error) {
	resp, err := e.completer.Complete(ctx, ai.CompletionRequest{
		System:      "You extract search keywords from text. Respond with a comma-separated list and nothing else.",
		User:        "Extract 3-5 key terms or short phrases from this text:\n\n" + text,
		Model:       e.cfg.Model,
		Temperature: 0.3,
		MaxTokens:   50,
	})
	if err != nil {
		return nil, err
	}
	return parseKeywords(resp), nil
}

func (e *Enricher) summary(ctx context.Context, text string) (string, error) {
	resp, err := e.completer.Complete(ctx, ai.CompletionRequest{
		System:      "You write concise summaries. Write 1-2 sentences, no lists, no preamble.",
		User:        "Summarize this text:\n\n" + text,
		Model:       e.cfg.Model,
		Temperature: 0.3,
		MaxTokens:   100,
	})
	if err != nil {
		return "", err
	}
	return strings.Join(strings.Fields(resp), " "), nil
}

func (e *Enricher) entities(ctx context.Context, text string) (models.Entities, error) {
	resp, err := e.completer.Complete(ctx, ai.CompletionRequest{
		System: `You extract named entities. Respond with a JSON object with exactly these keys, ` +
			`each an array of strings: "people", "organizations", "locations", "dates", "projects".`,
		User:        text,
		Model:       e.cfg.Model,
		Temperature: 0.1,
		MaxTokens:   300,
		JSON:        true,
	})
	if err != nil {
		return models.Entities{}, err
	}
	var ents models.Entities
	if err := json.Unmarshal([]byte(ai.StripCodeFence(resp)), &ents); err != nil {
		return models.Entities{}, err
	}
	return ents, nil
}

var listMarker = regexp.MustCompile(`^(?:\d+[.)]|[-*•·])\s*`)

// parseKeywords splits a comma or newline separated model reply into at most
// five distinct terms.
func parseKeywords(resp string) []string {
	fields := strings.FieldsFunc(resp, func(r rune) bool { return r == ',' || r == '\n' || r == ';' })
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		f = strings.TrimSpace(f)
		f = listMarker.ReplaceAllString(f, "")
		f = strings.Trim(f, " \t\"'`*.")
		if f == "" || seen[strings.ToLower(f)] {
			continue
		}
		seen[strings.ToLower(f)] = true
		out = append(out, f)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}
