// Package insights extracts decisions, action items, risks and other
// structured findings from a document's full text in one JSON completion.
package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/docsearch/internal/ai"
	"github.com/seanblong/docsearch/internal/errs"
	"github.com/seanblong/docsearch/internal/metrics"
	"github.com/seanblong/docsearch/internal/store"
	"github.com/seanblong/docsearch/pkg/models"
)

const (
	DefaultMaxInputChars = 50000
	DefaultRecent        = 10
	// defaultConfidence applies when the model omits a confidence.
	defaultConfidence = 0.5
)

type Config struct {
	Model         string  `yaml:"model"`
	Temperature   float32 `yaml:"temperature"`
	MaxTokens     int     `yaml:"maxTokens" split_words:"true"`
	MaxInputChars int     `yaml:"maxInputChars" split_words:"true"`
}

func DefaultConfig() Config {
	return Config{Temperature: 0.2, MaxTokens: 2000, MaxInputChars: DefaultMaxInputChars}
}

// Store is the persistence the extractor needs.
type Store interface {
	store.DocumentStore
	store.InsightStore
}

type Extractor struct {
	completer ai.Completer
	store     Store
	cfg       Config
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	newID     func() string
	now       func() time.Time
}

func New(c ai.Completer, s Store, cfg Config, m *metrics.Metrics) (*Extractor, error) {
	if c == nil {
		return nil, errs.Validation("new extractor", "completion client is required")
	}
	if s == nil {
		return nil, errs.Validation("new extractor", "store is required")
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = DefaultMaxInputChars
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	return &Extractor{
		completer: c,
		store:     s,
		cfg:       cfg,
		metrics:   m,
		logger:    log.Logger.With().Str("component", "insights").Logger(),
		newID:     func() string { return uuid.New().String() },
		now:       time.Now,
	}, nil
}

func (e *Extractor) SetLogger(l zerolog.Logger) {
	e.logger = l.With().Str("component", "insights").Logger()
}

// Extract runs one extraction over text. Whitespace-only text yields an empty
// bundle without calling the completion service.
func (e *Extractor) Extract(ctx context.Context, documentID, text string, meta map[string]string) (models.InsightBundle, error) {
	bundle := models.InsightBundle{
		DocumentID:  documentID,
		Insights:    []models.Insight{},
		Model:       e.cfg.Model,
		ExtractedAt: e.now(),
	}
	if strings.TrimSpace(text) == "" {
		return bundle, nil
	}

	resp, err := e.completer.Complete(ctx, ai.CompletionRequest{
		System:      systemPrompt,
		User:        userPrompt(ai.Truncate(text, e.cfg.MaxInputChars), meta),
		Model:       e.cfg.Model,
		Temperature: e.cfg.Temperature,
		MaxTokens:   e.cfg.MaxTokens,
		JSON:        true,
	})
	if err != nil {
		return models.InsightBundle{}, errs.Service("extract insights", err)
	}

	var raw rawBundle
	if err := json.Unmarshal([]byte(ai.StripCodeFence(resp)), &raw); err != nil {
		return models.InsightBundle{}, errs.Service("extract insights", fmt.Errorf("malformed response: %w", err))
	}
	bundle.Summary = strings.TrimSpace(string(raw.Summary))
	for _, group := range raw.groups() {
		items, bad, err := decodeGroup(group.raw)
		if err != nil {
			e.logger.Warn().Err(err).Str("document_id", documentID).Str("type", string(group.typ)).
				Msg("skipping malformed insight group")
			continue
		}
		for _, err := range bad {
			e.logger.Warn().Err(err).Str("document_id", documentID).Str("type", string(group.typ)).
				Msg("skipping malformed insight")
		}
		for _, it := range items {
			if strings.TrimSpace(string(it.Title)) == "" && strings.TrimSpace(string(it.Description)) == "" {
				continue
			}
			bundle.Insights = append(bundle.Insights, it.insight(e.newID(), documentID, group.typ))
		}
	}
	return bundle, nil
}

// ExtractAndStore extracts insights and replaces the stored bundle for
// documentID.
func (e *Extractor) ExtractAndStore(ctx context.Context, documentID, text string, meta map[string]string) (models.InsightBundle, error) {
	start := time.Now()
	defer e.metrics.ObserveStage("insights", start)

	b, err := e.Extract(ctx, documentID, text, meta)
	if err != nil {
		e.metrics.InsightBundle("failed")
		return models.InsightBundle{}, err
	}
	if err := e.store.UpsertInsights(ctx, b); err != nil {
		e.metrics.InsightBundle("failed")
		return models.InsightBundle{}, errs.Storage("store insights", err)
	}
	e.metrics.InsightBundle("ok")
	e.logger.Info().Str("document_id", documentID).Int("insights", len(b.Insights)).Msg("insights extracted")
	return b, nil
}

// Selector picks the documents of a batch run. DocumentIDs win over
// ProjectID; with neither, the Recent most recent documents are used.
type Selector struct {
	DocumentIDs []string `json:"document_ids,omitempty"`
	ProjectID   string   `json:"project_id,omitempty"`
	Recent      int      `json:"recent,omitempty"`
}

type Failure struct {
	DocumentID string `json:"document_id"`
	Error      string `json:"error"`
}

type BatchResult struct {
	Attempted int       `json:"attempted"`
	Generated int       `json:"generated"`
	Failures  []Failure `json:"failures,omitempty"`
}

// ExtractBatch extracts insights for each selected document in turn. A failed
// document is recorded in the result and the batch continues.
func (e *Extractor) ExtractBatch(ctx context.Context, sel Selector) (BatchResult, error) {
	q := store.DocumentQuery{IDs: sel.DocumentIDs, ProjectID: sel.ProjectID, Recent: sel.Recent}
	if len(q.IDs) == 0 && q.ProjectID == "" && q.Recent <= 0 {
		q.Recent = DefaultRecent
	}
	docs, err := e.store.ListDocuments(ctx, q)
	if err != nil {
		return BatchResult{}, errs.Storage("list documents", err)
	}

	var res BatchResult
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Attempted++
		if _, err := e.ExtractAndStore(ctx, d.ID, d.Content, d.Metadata); err != nil {
			e.logger.Warn().Err(err).Str("document_id", d.ID).Msg("insight extraction failed, skipping document")
			res.Failures = append(res.Failures, Failure{DocumentID: d.ID, Error: errs.Distill(err)})
			continue
		}
		res.Generated++
	}
	for _, id := range missingIDs(q.IDs, docs) {
		res.Attempted++
		e.logger.Warn().Str("document_id", id).Msg("requested document not found, skipping")
		res.Failures = append(res.Failures, Failure{DocumentID: id, Error: errs.ErrNotFound.Error()})
	}
	e.logger.Info().Int("attempted", res.Attempted).Int("generated", res.Generated).Msg("insight batch finished")
	return res, nil
}

// missingIDs returns the requested ids that have no document, once each, in
// request order.
func missingIDs(ids []string, found []models.Document) []string {
	seen := make(map[string]bool, len(found)+len(ids))
	for _, d := range found {
		seen[d.ID] = true
	}
	var out []string
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

const systemPrompt = `You analyze documents and meeting transcripts and extract structured insights.
Respond with a single JSON object with these keys:
  "summary": string, 2-4 sentences
  "decisions", "action_items", "risks", "opportunities", "key_discussions", "follow_ups":
    arrays of objects with "title", "description", optional "severity" or "priority"
    (low|medium|high), optional "assignee", optional "due_date", and "confidence" (0-1).
Use empty arrays when nothing applies. Do not invent facts that are not in the text.`

func userPrompt(text string, meta map[string]string) string {
	var b strings.Builder
	if len(meta) > 0 {
		b.WriteString("Metadata:\n")
		for _, k := range slices.Sorted(maps.Keys(meta)) {
			fmt.Fprintf(&b, "  %s: %s\n", k, meta[k])
		}
		b.WriteString("\n")
	}
	b.WriteString("Text:\n")
	b.WriteString(text)
	return b.String()
}

// flexString decodes a JSON string or number. Models sometimes emit dates and
// priorities as numbers.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("want string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

// confidenceLabels maps the words models use instead of a score.
var confidenceLabels = map[string]float64{
	"low":    0.3,
	"medium": 0.6,
	"high":   0.9,
}

// flexConfidence decodes a number, a numeric string, or a low/medium/high
// label. Anything else leaves it unset.
type flexConfidence struct {
	value float64
	set   bool
}

func (c *flexConfidence) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*c = flexConfidence{value: f, set: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("want number or string confidence, got %s", b)
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*c = flexConfidence{value: f, set: true}
	} else if f, ok := confidenceLabels[s]; ok {
		*c = flexConfidence{value: f, set: true}
	}
	return nil
}

type rawItem struct {
	Title       flexString     `json:"title"`
	Description flexString     `json:"description"`
	Severity    flexString     `json:"severity"`
	Priority    flexString     `json:"priority"`
	Assignee    flexString     `json:"assignee"`
	DueDate     flexString     `json:"due_date"`
	Confidence  flexConfidence `json:"confidence"`
}

// decodeGroup decodes one insight array item by item. A bare string is taken
// as a title. Items that fail to decode are returned in bad and left out of
// items; err is set only when the group itself is not an array.
func decodeGroup(raw json.RawMessage) (items []rawItem, bad []error, err error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, nil, fmt.Errorf("group is not an array: %w", err)
	}
	for i, el := range elems {
		var title string
		if json.Unmarshal(el, &title) == nil {
			items = append(items, rawItem{Title: flexString(title)})
			continue
		}
		var it rawItem
		if err := json.Unmarshal(el, &it); err != nil {
			bad = append(bad, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		items = append(items, it)
	}
	return items, bad, nil
}

func (r rawItem) insight(id, documentID string, t models.InsightType) models.Insight {
	conf := defaultConfidence
	if r.Confidence.set {
		conf = min(max(r.Confidence.value, 0), 1)
	}
	sev := string(r.Severity)
	if strings.TrimSpace(sev) == "" {
		sev = string(r.Priority)
	}
	return models.Insight{
		ID:                 id,
		DocumentID:         documentID,
		Type:               t,
		Title:              strings.TrimSpace(string(r.Title)),
		Description:        strings.TrimSpace(string(r.Description)),
		SeverityOrPriority: strings.ToLower(strings.TrimSpace(sev)),
		Assignee:           strings.TrimSpace(string(r.Assignee)),
		DueDate:            strings.TrimSpace(string(r.DueDate)),
		Confidence:         conf,
	}
}

// rawBundle keeps each group undecoded so one bad item cannot sink the reply.
type rawBundle struct {
	Summary        flexString      `json:"summary"`
	Decisions      json.RawMessage `json:"decisions"`
	ActionItems    json.RawMessage `json:"action_items"`
	Risks          json.RawMessage `json:"risks"`
	Opportunities  json.RawMessage `json:"opportunities"`
	KeyDiscussions json.RawMessage `json:"key_discussions"`
	FollowUps      json.RawMessage `json:"follow_ups"`
}

type group struct {
	typ models.InsightType
	raw json.RawMessage
}

func (r rawBundle) groups() []group {
	return []group{
		{models.InsightDecision, r.Decisions},
		{models.InsightActionItem, r.ActionItems},
		{models.InsightRisk, r.Risks},
		{models.InsightOpportunity, r.Opportunities},
		{models.InsightDiscussion, r.KeyDiscussions},
		{models.InsightFollowUp, r.FollowUps},
	}
}
