package models

import "time"

// DocumentStatus tracks a document through ingestion.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusProcessed  DocumentStatus = "processed"
	StatusFailed     DocumentStatus = "failed"
)

// CanTransition reports whether a document may move from s to next.
// Statuses only move forward, except that any document may be sent back to
// processing by a reprocess request.
func (s DocumentStatus) CanTransition(next DocumentStatus) bool {
	if next == StatusProcessing {
		return true
	}
	switch s {
	case "", StatusPending:
		return next == StatusPending || next == StatusFailed
	case StatusProcessing:
		return next == StatusProcessed || next == StatusFailed
	default:
		return false
	}
}

// Well-known document metadata keys. Metadata values are copied onto each
// chunk as filterable attributes.
const (
	MetaProjectID  = "project_id"
	MetaSourceType = "source_type"
	MetaTitle      = "title"
	MetaPath       = "path"

	SourceDocument          = "document"
	SourceMeetingTranscript = "meeting_transcript"
)

type Document struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Status    DocumentStatus    `json:"processing_status"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Entities groups named entities detected in a chunk.
type Entities struct {
	People        []string `json:"people"`
	Organizations []string `json:"organizations"`
	Locations     []string `json:"locations"`
	Dates         []string `json:"dates"`
	Projects      []string `json:"projects"`
}

// Empty reports whether no entity of any kind was found.
func (e Entities) Empty() bool {
	return len(e.People)+len(e.Organizations)+len(e.Locations)+len(e.Dates)+len(e.Projects) == 0
}

// ChunkMetadata is stored alongside every chunk. Offsets are byte offsets into
// the parent document's content, CharEnd exclusive.
type ChunkMetadata struct {
	ChunkIndex int       `json:"chunk_index"`
	ChunkTotal int       `json:"chunk_total"`
	CharStart  int       `json:"char_start"`
	CharEnd    int       `json:"char_end"`
	CharLength int       `json:"char_length"`
	Keywords   []string  `json:"keywords,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Entities   *Entities `json:"entities,omitempty"`
}

type Chunk struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	Content    string            `json:"content"`
	Embedding  []float32         `json:"-"`
	Metadata   ChunkMetadata     `json:"metadata"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

type SearchResult struct {
	Chunk   Chunk   `json:"chunk"`
	Score   float64 `json:"score"`
	Excerpt string  `json:"excerpt"`
}

// InsightType is the kind of a structured insight.
type InsightType string

const (
	InsightDecision    InsightType = "decision"
	InsightActionItem  InsightType = "action_item"
	InsightRisk        InsightType = "risk"
	InsightOpportunity InsightType = "opportunity"
	InsightDiscussion  InsightType = "discussion"
	InsightFollowUp    InsightType = "follow_up"
	InsightFact        InsightType = "fact"
)

type Insight struct {
	ID                 string      `json:"id"`
	DocumentID         string      `json:"document_id"`
	Type               InsightType `json:"type"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	SeverityOrPriority string      `json:"severity_or_priority,omitempty"`
	Assignee           string      `json:"assignee,omitempty"`
	DueDate            string      `json:"due_date,omitempty"`
	Confidence         float64     `json:"confidence"`
}

// InsightBundle is the full extraction result for one document. A newer
// bundle replaces the previous one for the same document.
type InsightBundle struct {
	DocumentID  string    `json:"document_id"`
	Summary     string    `json:"summary"`
	Insights    []Insight `json:"insights"`
	Model       string    `json:"model,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// OfType returns the insights of the given type, in extraction order.
func (b *InsightBundle) OfType(t InsightType) []Insight {
	var out []Insight
	for _, in := range b.Insights {
		if in.Type == t {
			out = append(out, in)
		}
	}
	return out
}

// StageOutcome is how a pipeline stage finished.
type StageOutcome string

const (
	OutcomeOK       StageOutcome = "ok"
	OutcomeDegraded StageOutcome = "degraded"
	OutcomeFatal    StageOutcome = "fatal"
	OutcomeSkipped  StageOutcome = "skipped"
)

type StageResult struct {
	Stage   string       `json:"stage"`
	Outcome StageOutcome `json:"outcome"`
	Error   string       `json:"error,omitempty"`
}
