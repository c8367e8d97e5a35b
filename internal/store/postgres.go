package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/docsearch/internal/errs"
	"github.com/seanblong/docsearch/pkg/models"
)

// MemoryURL selects the in-memory store in Open.
const MemoryURL = "memory://"

// Open returns the store for url: Memory for memory://, Postgres otherwise.
func Open(ctx context.Context, url string) (Store, error) {
	if strings.HasPrefix(url, MemoryURL) {
		return NewMemory(), nil
	}
	return NewPostgres(ctx, url)
}

// Postgres is a Store backed by PostgreSQL with the pgvector extension.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a new Postgres store connected to the given database URL.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: p}, nil
}

func (s *Postgres) Close() { s.pool.Close() }

// Ping checks the database connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Migrate applies the schema for embeddings of dimension dim.
func (s *Postgres) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", dim)
	}
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
  id                TEXT PRIMARY KEY,
  content           TEXT NOT NULL,
  metadata          JSONB NOT NULL DEFAULT '{}'::jsonb,
  processing_status TEXT NOT NULL DEFAULT 'pending',
  error             TEXT NOT NULL DEFAULT '',
  created_at        TIMESTAMP WITH TIME ZONE DEFAULT now(),
  updated_at        TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX IF NOT EXISTS documents_project_idx
  ON documents ((metadata->>'project_id'));
CREATE INDEX IF NOT EXISTS documents_created_idx
  ON documents (created_at DESC);

CREATE TABLE IF NOT EXISTS chunks (
  id          TEXT PRIMARY KEY,
  document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
  chunk_index INT NOT NULL,
  content     TEXT NOT NULL,
  embedding   vector(%d),
  metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
  attributes  JSONB NOT NULL DEFAULT '{}'::jsonb,
  created_at  TIMESTAMP WITH TIME ZONE DEFAULT now(),
  ts_content  tsvector GENERATED ALWAYS AS (
    to_tsvector('english', coalesce(content,''))
  ) STORED
);

CREATE UNIQUE INDEX IF NOT EXISTS chunks_document_index_uidx
  ON chunks (document_id, chunk_index);
CREATE INDEX IF NOT EXISTS chunks_attributes_gin
  ON chunks USING GIN (attributes jsonb_path_ops);
CREATE INDEX IF NOT EXISTS chunks_ts_content_gin
  ON chunks USING GIN (ts_content);
CREATE INDEX IF NOT EXISTS chunks_embedding_idx
  ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS insight_bundles (
  document_id  TEXT PRIMARY KEY REFERENCES documents(id) ON DELETE CASCADE,
  summary      TEXT NOT NULL DEFAULT '',
  model        TEXT NOT NULL DEFAULT '',
  extracted_at TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE TABLE IF NOT EXISTS insights (
  id                   TEXT PRIMARY KEY,
  document_id          TEXT NOT NULL REFERENCES insight_bundles(document_id) ON DELETE CASCADE,
  position             INT NOT NULL,
  type                 TEXT NOT NULL,
  title                TEXT NOT NULL DEFAULT '',
  description          TEXT NOT NULL DEFAULT '',
  severity_or_priority TEXT NOT NULL DEFAULT '',
  assignee             TEXT NOT NULL DEFAULT '',
  due_date             TEXT NOT NULL DEFAULT '',
  confidence           DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS insights_document_idx
  ON insights (document_id, position);

CREATE OR REPLACE FUNCTION match_chunks(
  query_embedding vector(%d),
  match_threshold float,
  match_count     int,
  filter          jsonb DEFAULT '{}'::jsonb,
  document_ids    text[] DEFAULT NULL
)
RETURNS TABLE (
  id          text,
  document_id text,
  content     text,
  metadata    jsonb,
  attributes  jsonb,
  created_at  timestamptz,
  similarity  float
)
LANGUAGE sql STABLE
AS $$
  SELECT c.id, c.document_id, c.content, c.metadata, c.attributes, c.created_at,
         1 - (c.embedding <=> query_embedding) AS similarity
  FROM chunks c
  WHERE c.embedding IS NOT NULL
    AND c.attributes @> filter
    AND (document_ids IS NULL OR c.document_id = ANY(document_ids))
    AND 1 - (c.embedding <=> query_embedding) >= match_threshold
  ORDER BY similarity DESC, c.id
  LIMIT match_count;
$$;
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim, dim))
	return err
}

// ReplaceChunks deletes the previous generation of documentID's chunks and
// inserts chunks in one transaction.
func (s *Postgres) ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	if documentID == "" {
		return errors.New("document id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return err
	}

	const q = `
		INSERT INTO chunks (
			id, document_id, chunk_index, content, embedding, metadata, attributes, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,now())`

	batch := &pgx.Batch{}
	for _, c := range chunks {
		if c.DocumentID != documentID {
			return fmt.Errorf("chunk %s belongs to document %q, not %q", c.ID, c.DocumentID, documentID)
		}
		var ev any
		if c.Embedding != nil {
			ev = pgvector.NewVector(c.Embedding)
		} else {
			ev = (*pgvector.Vector)(nil)
		}
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return err
		}
		batch.Queue(q, c.ID, documentID, c.Metadata.ChunkIndex, c.Content, ev, meta, attributesJSON(c.Attributes))
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) ChunkCount(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM chunks WHERE document_id = $1`, documentID).Scan(&n)
	return n, err
}

// SimilaritySearch runs the match_chunks procedure.
func (s *Postgres) SimilaritySearch(
	ctx context.Context,
	embedding []float32,
	threshold float64,
	topK int,
	f Filters,
) ([]models.SearchResult, error) {
	if len(embedding) == 0 {
		return nil, errors.New("query embedding is empty")
	}
	var ids []string
	if len(f.DocumentIDs) > 0 {
		ids = f.DocumentIDs
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, document_id, content, metadata, attributes, created_at, similarity
		FROM match_chunks($1, $2, $3, $4::jsonb, $5::text[])`,
		pgvector.NewVector(embedding), threshold, topK, attributesJSON(f.Attributes), ids,
	)
	if err != nil {
		return nil, err
	}
	return scanResults(rows)
}

// KeywordSearch matches any query term against the chunk text and ranks by
// cover density.
func (s *Postgres) KeywordSearch(ctx context.Context, query string, f Filters, limit int) ([]models.SearchResult, error) {
	tq := orQuery(query)
	if tq == "" {
		return []models.SearchResult{}, nil
	}

	args := []any{tq, attributesJSON(f.Attributes)}
	ai := 3
	where := "ts_content @@ q.tq AND attributes @> $2::jsonb"
	if len(f.DocumentIDs) > 0 {
		where += fmt.Sprintf(" AND document_id = ANY($%d)", ai)
		args = append(args, f.DocumentIDs)
		ai++
	}
	lim := ""
	if limit > 0 {
		lim = fmt.Sprintf("LIMIT $%d", ai)
		args = append(args, limit)
	}

	q := fmt.Sprintf(`
WITH q AS (SELECT to_tsquery('english', $1) AS tq)
SELECT id, document_id, content, metadata, attributes, created_at,
       ts_rank_cd(ts_content, q.tq)::float8 AS score
FROM chunks, q
WHERE %s
ORDER BY score DESC, id
%s`, where, lim)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanResults(rows)
}

func scanResults(rows pgx.Rows) ([]models.SearchResult, error) {
	defer rows.Close()
	out := []models.SearchResult{}
	for rows.Next() {
		var (
			c           models.Chunk
			meta, attrs []byte
			score       float64
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Content, &meta, &attrs, &c.CreatedAt, &score); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("chunk %s metadata: %w", c.ID, err)
		}
		if err := json.Unmarshal(attrs, &c.Attributes); err != nil {
			return nil, fmt.Errorf("chunk %s attributes: %w", c.ID, err)
		}
		out = append(out, models.SearchResult{Chunk: c, Score: score})
	}
	return out, rows.Err()
}

func (s *Postgres) UpsertDocument(ctx context.Context, d models.Document) error {
	if d.ID == "" {
		return errors.New("document id is required")
	}
	if d.Status == "" {
		d.Status = models.StatusPending
	}
	const q = `
		INSERT INTO documents (id, content, metadata, processing_status, error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now(),now())
		ON CONFLICT (id) DO UPDATE SET
			content           = EXCLUDED.content,
			metadata          = EXCLUDED.metadata,
			processing_status = EXCLUDED.processing_status,
			error             = EXCLUDED.error,
			updated_at        = now(),
			created_at        = documents.created_at;`
	_, err := s.pool.Exec(ctx, q, d.ID, d.Content, attributesJSON(d.Metadata), string(d.Status), d.Error)
	return err
}

const documentColumns = `id, content, metadata, processing_status, error, created_at, updated_at`

func scanDocument(row pgx.Row) (models.Document, error) {
	var (
		d      models.Document
		meta   []byte
		status string
	)
	if err := row.Scan(&d.ID, &d.Content, &meta, &status, &d.Error, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return models.Document{}, err
	}
	d.Status = models.DocumentStatus(status)
	if err := json.Unmarshal(meta, &d.Metadata); err != nil {
		return models.Document{}, fmt.Errorf("document %s metadata: %w", d.ID, err)
	}
	return d, nil
}

func (s *Postgres) GetDocument(ctx context.Context, id string) (models.Document, error) {
	d, err := scanDocument(s.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Document{}, fmt.Errorf("document %q: %w", id, errs.ErrNotFound)
	}
	return d, err
}

// SetStatus applies a status change if models.DocumentStatus.CanTransition
// allows it, under a row lock.
func (s *Postgres) SetStatus(ctx context.Context, id string, status models.DocumentStatus, msg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur string
	err = tx.QueryRow(ctx, `SELECT processing_status FROM documents WHERE id = $1 FOR UPDATE`, id).Scan(&cur)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("document %q: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !models.DocumentStatus(cur).CanTransition(status) {
		return fmt.Errorf("document %q %s -> %s: %w", id, cur, status, ErrInvalidTransition)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE documents SET processing_status = $2, error = $3, updated_at = now() WHERE id = $1`,
		id, string(status), msg,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) ListDocuments(ctx context.Context, q DocumentQuery) ([]models.Document, error) {
	var (
		sql  string
		args []any
	)
	switch {
	case len(q.IDs) > 0:
		sql = `SELECT ` + documentColumns + ` FROM documents WHERE id = ANY($1)`
		args = []any{q.IDs}
	case q.ProjectID != "":
		sql = `SELECT ` + documentColumns + ` FROM documents WHERE metadata->>'project_id' = $1 ORDER BY created_at DESC, id`
		args = []any{q.ProjectID}
	case q.Recent > 0:
		sql = `SELECT ` + documentColumns + ` FROM documents ORDER BY created_at DESC, id LIMIT $1`
		args = []any{q.Recent}
	default:
		sql = `SELECT ` + documentColumns + ` FROM documents ORDER BY created_at DESC, id`
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(q.IDs) > 0 {
		docs = orderByIDs(docs, q.IDs)
	}
	return docs, nil
}

// orderByIDs returns docs in the order their ids appear in ids.
func orderByIDs(docs []models.Document, ids []string) []models.Document {
	byID := make(map[string]models.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}
	out := make([]models.Document, 0, len(docs))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			out = append(out, d)
			delete(byID, id)
		}
	}
	return out
}

// UpsertInsights replaces the bundle and its insights for b.DocumentID in one
// transaction.
func (s *Postgres) UpsertInsights(ctx context.Context, b models.InsightBundle) error {
	if b.DocumentID == "" {
		return errors.New("document id is required")
	}
	if b.ExtractedAt.IsZero() {
		b.ExtractedAt = time.Now()
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO insight_bundles (document_id, summary, model, extracted_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (document_id) DO UPDATE SET
			summary      = EXCLUDED.summary,
			model        = EXCLUDED.model,
			extracted_at = EXCLUDED.extracted_at`,
		b.DocumentID, b.Summary, b.Model, b.ExtractedAt,
	); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM insights WHERE document_id = $1`, b.DocumentID); err != nil {
		return err
	}

	const q = `
		INSERT INTO insights (
			id, document_id, position, type, title, description,
			severity_or_priority, assignee, due_date, confidence
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	batch := &pgx.Batch{}
	for i, in := range b.Insights {
		batch.Queue(q, in.ID, b.DocumentID, i, string(in.Type), in.Title, in.Description,
			in.SeverityOrPriority, in.Assignee, in.DueDate, in.Confidence)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) GetInsights(ctx context.Context, documentID string) (models.InsightBundle, error) {
	b := models.InsightBundle{DocumentID: documentID}
	err := s.pool.QueryRow(ctx,
		`SELECT summary, model, extracted_at FROM insight_bundles WHERE document_id = $1`, documentID,
	).Scan(&b.Summary, &b.Model, &b.ExtractedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.InsightBundle{}, fmt.Errorf("insights for %q: %w", documentID, errs.ErrNotFound)
	}
	if err != nil {
		return models.InsightBundle{}, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, type, title, description, severity_or_priority, assignee, due_date, confidence
		FROM insights WHERE document_id = $1 ORDER BY position`, documentID)
	if err != nil {
		return models.InsightBundle{}, err
	}
	defer rows.Close()
	for rows.Next() {
		in := models.Insight{DocumentID: documentID}
		var typ string
		if err := rows.Scan(&in.ID, &typ, &in.Title, &in.Description,
			&in.SeverityOrPriority, &in.Assignee, &in.DueDate, &in.Confidence); err != nil {
			return models.InsightBundle{}, err
		}
		in.Type = models.InsightType(typ)
		b.Insights = append(b.Insights, in)
	}
	return b, rows.Err()
}

// attributesJSON encodes a string map as a JSON object, never null.
func attributesJSON(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// orQuery builds a to_tsquery expression matching any term of text.
func orQuery(text string) string {
	return strings.Join(queryTerms(text), " | ")
}
