package insights

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/seanblong/docsearch/internal/ai"
	"github.com/seanblong/docsearch/internal/errs"
	"github.com/seanblong/docsearch/internal/metrics"
	"github.com/seanblong/docsearch/internal/store"
	"github.com/seanblong/docsearch/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockCompleter implements ai.Completer for testing
type MockCompleter struct {
	CompleteFunc func(ctx context.Context, req ai.CompletionRequest) (string, error)
	Requests     []ai.CompletionRequest
}

func (m *MockCompleter) Complete(ctx context.Context, req ai.CompletionRequest) (string, error) {
	m.Requests = append(m.Requests, req)
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return `{}`, nil
}

const fullResponse = "```json\n" + `{
  "summary": "The team approved the Q1 budget.",
  "decisions": [{"title": "Approve Q1 budget", "description": "Budget approved at 1.2M", "confidence": 0.9}],
  "action_items": [{"title": "Send minutes", "description": "", "priority": "High", "assignee": "Ana", "due_date": "2026-03-01", "confidence": 1.7}],
  "risks": [{"title": "Vendor delay", "description": "Hardware may slip", "severity": "medium", "confidence": -0.2}],
  "opportunities": [{"title": "Bulk discount", "description": "Negotiate 10%"}],
  "key_discussions": [{"title": "Hiring", "description": "Two roles discussed"}],
  "follow_ups": [{"title": "", "description": ""}, {"title": "Revisit in April", "description": ""}]
}` + "\n```"

func newTestExtractor(t *testing.T, c ai.Completer, s Store, m *metrics.Metrics) *Extractor {
	t.Helper()
	e, err := New(c, s, DefaultConfig(), m)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	n := 0
	e.newID = func() string { n++; return fmt.Sprintf("ins-%d", n) }
	e.now = func() time.Time { return time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) }
	return e
}

func TestExtract_MapsAllGroups(t *testing.T) {
	c := &MockCompleter{CompleteFunc: func(context.Context, ai.CompletionRequest) (string, error) {
		return fullResponse, nil
	}}
	e := newTestExtractor(t, c, store.NewMemory(), nil)

	b, err := e.Extract(context.Background(), "m1", "Meeting transcript text", map[string]string{"title": "Q1 planning"})
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if b.Summary != "The team approved the Q1 budget." {
		t.Errorf("unexpected summary %q", b.Summary)
	}
	if len(b.Insights) != 6 {
		t.Fatalf("expected 6 insights (one blank dropped), got %d", len(b.Insights))
	}

	wantTypes := []models.InsightType{
		models.InsightDecision, models.InsightActionItem, models.InsightRisk,
		models.InsightOpportunity, models.InsightDiscussion, models.InsightFollowUp,
	}
	for i, in := range b.Insights {
		if in.Type != wantTypes[i] {
			t.Errorf("insight %d type = %s, want %s", i, in.Type, wantTypes[i])
		}
		if in.DocumentID != "m1" || in.ID == "" {
			t.Errorf("insight %d missing ids: %+v", i, in)
		}
		if in.Confidence < 0 || in.Confidence > 1 {
			t.Errorf("insight %d confidence %f out of range", i, in.Confidence)
		}
	}

	action := b.OfType(models.InsightActionItem)[0]
	if action.SeverityOrPriority != "high" || action.Assignee != "Ana" || action.DueDate != "2026-03-01" || action.Confidence != 1 {
		t.Errorf("unexpected action item %+v", action)
	}
	if risk := b.OfType(models.InsightRisk)[0]; risk.SeverityOrPriority != "medium" || risk.Confidence != 0 {
		t.Errorf("unexpected risk %+v", risk)
	}
	if opp := b.OfType(models.InsightOpportunity)[0]; opp.Confidence != defaultConfidence {
		t.Errorf("expected default confidence, got %f", opp.Confidence)
	}

	req := c.Requests[0]
	if !req.JSON || !strings.Contains(req.User, "title: Q1 planning") || !strings.Contains(req.User, "Meeting transcript text") {
		t.Errorf("unexpected request %+v", req)
	}
}

func TestExtract_EmptyText(t *testing.T) {
	c := &MockCompleter{}
	e := newTestExtractor(t, c, store.NewMemory(), nil)

	b, err := e.Extract(context.Background(), "d1", " \n\t", nil)
	if err != nil {
		t.Fatalf("empty text should not fail: %v", err)
	}
	if len(c.Requests) != 0 {
		t.Error("empty text should not call the completion service")
	}
	if b.DocumentID != "d1" || b.Insights == nil || len(b.Insights) != 0 {
		t.Errorf("expected empty bundle, got %+v", b)
	}
}

func TestExtract_ShortTextMinimalBundle(t *testing.T) {
	e := newTestExtractor(t, &MockCompleter{}, store.NewMemory(), nil)
	b, err := e.Extract(context.Background(), "d1", "ok", nil)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if len(b.Insights) != 0 || b.Summary != "" {
		t.Errorf("expected minimal bundle, got %+v", b)
	}
}

func TestExtract_TruncatesInput(t *testing.T) {
	c := &MockCompleter{}
	e := newTestExtractor(t, c, store.NewMemory(), nil)
	e.cfg.MaxInputChars = 100

	if _, err := e.Extract(context.Background(), "d1", strings.Repeat("a", 500), nil); err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if got := strings.Count(c.Requests[0].User, "a"); got != 100 {
		t.Errorf("expected input truncated to 100 chars, got %d", got)
	}
}

func TestExtract_Failures(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		err   error
	}{
		{"service error", "", errors.New("503 from upstream")},
		{"malformed json", "not json at all", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &MockCompleter{CompleteFunc: func(context.Context, ai.CompletionRequest) (string, error) {
				return tt.reply, tt.err
			}}
			e := newTestExtractor(t, c, store.NewMemory(), nil)
			_, err := e.Extract(context.Background(), "d1", "some text", nil)
			if !errs.Is(err, errs.KindService) {
				t.Errorf("expected service error, got %v", err)
			}
		})
	}
}

func TestExtract_ToleratesOffTypeItems(t *testing.T) {
	const decision = `"decisions":[{"title":"Ship Q1","description":"Release on time","confidence":0.8}]`

	tests := []struct {
		name  string
		reply string
		check func(t *testing.T, b models.InsightBundle)
	}{
		{
			name:  "follow ups as strings",
			reply: `{` + decision + `,"follow_ups":["Book venue","  ",null]}`,
			check: func(t *testing.T, b models.InsightBundle) {
				got := b.OfType(models.InsightFollowUp)
				if len(got) != 1 || got[0].Title != "Book venue" || got[0].Confidence != defaultConfidence {
					t.Errorf("unexpected follow ups %+v", got)
				}
			},
		},
		{
			name:  "numeric due date",
			reply: `{` + decision + `,"action_items":[{"title":"Send minutes","due_date":20260301,"priority":1}]}`,
			check: func(t *testing.T, b models.InsightBundle) {
				got := b.OfType(models.InsightActionItem)
				if len(got) != 1 || got[0].DueDate != "20260301" || got[0].SeverityOrPriority != "1" {
					t.Errorf("unexpected action items %+v", got)
				}
			},
		},
		{
			name: "confidence as words and numeric strings",
			reply: `{` + decision + `,"risks":[{"title":"Slip","confidence":"high"},` +
				`{"title":"Churn","confidence":"0.25"},{"title":"Audit","confidence":"unsure"},{"title":"Cost","confidence":null}]}`,
			check: func(t *testing.T, b models.InsightBundle) {
				got := b.OfType(models.InsightRisk)
				want := []float64{0.9, 0.25, defaultConfidence, defaultConfidence}
				if len(got) != len(want) {
					t.Fatalf("expected %d risks, got %+v", len(want), got)
				}
				for i, w := range want {
					if got[i].Confidence != w {
						t.Errorf("risk %d confidence = %f, want %f", i, got[i].Confidence, w)
					}
				}
			},
		},
		{
			name:  "bad item skipped, siblings kept",
			reply: `{` + decision + `,"opportunities":[42,{"title":["x"]},{"title":"Bulk discount"}]}`,
			check: func(t *testing.T, b models.InsightBundle) {
				got := b.OfType(models.InsightOpportunity)
				if len(got) != 1 || got[0].Title != "Bulk discount" {
					t.Errorf("unexpected opportunities %+v", got)
				}
			},
		},
		{
			name:  "group that is not an array",
			reply: `{` + decision + `,"key_discussions":"none","summary":"Short."}`,
			check: func(t *testing.T, b models.InsightBundle) {
				if got := b.OfType(models.InsightDiscussion); len(got) != 0 {
					t.Errorf("expected no discussions, got %+v", got)
				}
				if b.Summary != "Short." {
					t.Errorf("unexpected summary %q", b.Summary)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &MockCompleter{CompleteFunc: func(context.Context, ai.CompletionRequest) (string, error) {
				return tt.reply, nil
			}}
			e := newTestExtractor(t, c, store.NewMemory(), nil)

			b, err := e.Extract(context.Background(), "m1", "transcript", nil)
			if err != nil {
				t.Fatalf("Extract failed: %v", err)
			}
			got := b.OfType(models.InsightDecision)
			if len(got) != 1 || got[0].Title != "Ship Q1" || got[0].Confidence != 0.8 {
				t.Errorf("valid decision lost: %+v", got)
			}
			tt.check(t, b)
		})
	}
}

func TestExtractAndStore_Upserts(t *testing.T) {
	ctx := context.Background()
	replies := []string{
		`{"summary":"first","decisions":[{"title":"A","description":"a"},{"title":"B","description":"b"}]}`,
		`{"summary":"second","risks":[{"title":"C","description":"c"}]}`,
	}
	call := 0
	c := &MockCompleter{CompleteFunc: func(context.Context, ai.CompletionRequest) (string, error) {
		r := replies[call]
		call++
		return r, nil
	}}
	s := store.NewMemory()
	e := newTestExtractor(t, c, s, nil)

	for range 2 {
		if _, err := e.ExtractAndStore(ctx, "d1", "text", nil); err != nil {
			t.Fatalf("ExtractAndStore failed: %v", err)
		}
	}
	got, err := s.GetInsights(ctx, "d1")
	if err != nil {
		t.Fatalf("GetInsights failed: %v", err)
	}
	if got.Summary != "second" || len(got.Insights) != 1 || got.Insights[0].Type != models.InsightRisk {
		t.Errorf("second run should replace the first, got %+v", got)
	}
}

func TestExtractBatch_ContinuesPastFailure(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	for i := 1; i <= 3; i++ {
		_ = s.UpsertDocument(ctx, models.Document{
			ID:       fmt.Sprintf("doc-%d", i),
			Content:  fmt.Sprintf("document number %d", i),
			Metadata: map[string]string{models.MetaProjectID: "p1"},
		})
	}
	c := &MockCompleter{CompleteFunc: func(_ context.Context, req ai.CompletionRequest) (string, error) {
		if strings.Contains(req.User, "document number 2") {
			return "", errors.New("upstream key sk-live-123 rejected")
		}
		return `{"summary":"ok","decisions":[{"title":"d","description":"x"}]}`, nil
	}}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := newTestExtractor(t, c, s, m)

	res, err := e.ExtractBatch(ctx, Selector{DocumentIDs: []string{"doc-1", "doc-2", "doc-3"}})
	if err != nil {
		t.Fatalf("ExtractBatch failed: %v", err)
	}
	if res.Attempted != 3 || res.Generated != 2 {
		t.Errorf("expected 3 attempted and 2 generated, got %+v", res)
	}
	if len(res.Failures) != 1 || res.Failures[0].DocumentID != "doc-2" {
		t.Fatalf("expected doc-2 failure, got %+v", res.Failures)
	}
	if strings.Contains(res.Failures[0].Error, "sk-live") {
		t.Errorf("failure message leaks credentials: %q", res.Failures[0].Error)
	}
	if _, err := s.GetInsights(ctx, "doc-3"); err != nil {
		t.Errorf("doc-3 should have insights after doc-2 failed: %v", err)
	}
	if got := testutil.ToFloat64(m.InsightBundles.WithLabelValues("failed")); got != 1 {
		t.Errorf("expected 1 failed bundle metric, got %v", got)
	}
}

func TestExtractBatch_Selectors(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	for i := range 12 {
		project := "p1"
		if i%2 == 1 {
			project = "p2"
		}
		_ = s.UpsertDocument(ctx, models.Document{
			ID:       fmt.Sprintf("doc-%02d", i),
			Content:  "text",
			Metadata: map[string]string{models.MetaProjectID: project},
		})
	}
	e := newTestExtractor(t, &MockCompleter{}, s, nil)

	tests := []struct {
		name      string
		sel       Selector
		attempted int
		generated int
		missing   []string
	}{
		{"project", Selector{ProjectID: "p2"}, 6, 6, nil},
		{"recent", Selector{Recent: 3}, 3, 3, nil},
		{"default recent", Selector{}, DefaultRecent, DefaultRecent, nil},
		{"ids", Selector{DocumentIDs: []string{"doc-01", "doc-03"}}, 2, 2, nil},
		{"unknown ids reported", Selector{DocumentIDs: []string{"gone", "doc-01", "missing", "gone"}}, 3, 1, []string{"gone", "missing"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.ExtractBatch(ctx, tt.sel)
			if err != nil {
				t.Fatalf("ExtractBatch failed: %v", err)
			}
			if res.Attempted != tt.attempted || res.Generated != tt.generated {
				t.Errorf("expected %d attempted and %d generated, got %+v", tt.attempted, tt.generated, res)
			}
			var missing []string
			for _, f := range res.Failures {
				if f.Error != "not found" {
					t.Errorf("unexpected failure %+v", f)
				}
				missing = append(missing, f.DocumentID)
			}
			if !slices.Equal(missing, tt.missing) {
				t.Errorf("expected missing %v, got %v", tt.missing, missing)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, store.NewMemory(), DefaultConfig(), nil); err == nil {
		t.Error("expected error for nil completer")
	}
	if _, err := New(&MockCompleter{}, nil, DefaultConfig(), nil); err == nil {
		t.Error("expected error for nil store")
	}
}
