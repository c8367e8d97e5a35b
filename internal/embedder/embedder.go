// Package embedder batches texts through an embedding service.
package embedder

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/docsearch/internal/ai"
	"github.com/seanblong/docsearch/internal/errs"
)

const DefaultBatchSize = 100

// Embedder splits input into batches and embeds them one batch at a time.
// Any failing batch fails the whole call; no partial results are returned.
type Embedder struct {
	client    ai.Embedder
	batchSize int
	logger    zerolog.Logger
}

// New returns an Embedder over client. batchSize <= 0 selects DefaultBatchSize.
func New(client ai.Embedder, batchSize int) (*Embedder, error) {
	if client == nil {
		return nil, errs.Validation("new embedder", "embedding client is required")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Embedder{
		client:    client,
		batchSize: batchSize,
		logger:    log.Logger.With().Str("component", "embedder").Logger(),
	}, nil
}

// WithLogger returns a copy of e that logs to l.
func (e *Embedder) WithLogger(l zerolog.Logger) *Embedder {
	cp := *e
	cp.logger = l.With().Str("component", "embedder").Logger()
	return &cp
}

func (e *Embedder) BatchSize() int { return e.batchSize }

func (e *Embedder) Dim() int { return e.client.Dim() }

// Embed returns one vector per text, in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errs.Validationf("embed", errs.ErrEmptyContent, "no texts to embed")
	}

	dim := e.client.Dim()
	out := make([][]float32, 0, len(texts))
	for start, batch := 0, 0; start < len(texts); start, batch = start+e.batchSize, batch+1 {
		end := min(start+e.batchSize, len(texts))
		op := fmt.Sprintf("embed batch %d", batch)

		vecs, err := e.client.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			e.logger.Error().Err(err).Int("batch", batch).Int("size", end-start).Msg("embedding batch failed")
			return nil, errs.Service(op, err)
		}
		if len(vecs) != end-start {
			return nil, errs.Service(op, fmt.Errorf("got %d vectors for %d texts", len(vecs), end-start))
		}
		for i, v := range vecs {
			if dim > 0 && len(v) != dim {
				return nil, errs.Service(op, fmt.Errorf("vector %d has dimension %d, want %d", start+i, len(v), dim))
			}
		}
		out = append(out, vecs...)
		e.logger.Debug().Int("batch", batch).Int("size", end-start).Msg("embedded batch")
	}
	return out, nil
}
