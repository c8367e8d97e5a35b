// Package api exposes the ingestion, search and insight operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/docsearch/internal/errs"
	"github.com/seanblong/docsearch/internal/insights"
	"github.com/seanblong/docsearch/internal/metrics"
	"github.com/seanblong/docsearch/internal/pipeline"
	"github.com/seanblong/docsearch/internal/search"
	"github.com/seanblong/docsearch/internal/store"
	"github.com/seanblong/docsearch/pkg/models"
)

// Pipeline is the subset of *pipeline.Pipeline the server calls.
type Pipeline interface {
	ProcessDocument(ctx context.Context, id, content string, meta map[string]string) pipeline.Result
	ProcessMeetingTranscript(ctx context.Context, meetingID, transcript string, meta map[string]string) pipeline.TranscriptResult
	Search(ctx context.Context, req search.Request) (search.Response, error)
	Document(ctx context.Context, id string) (models.Document, error)
	Insights(ctx context.Context, documentID string) (models.InsightBundle, error)
	ExtractInsights(ctx context.Context, documentID string) (models.InsightBundle, error)
	ExtractInsightsBatch(ctx context.Context, sel insights.Selector) (insights.BatchResult, error)
}

// Pinger reports backend health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	maxBodyBytes   = 8 << 20
	ingestTimeout  = 5 * time.Minute
	searchTimeout  = 30 * time.Second
	defaultTimeout = 10 * time.Second
	attrPrefix     = "attr."
)

type Server struct {
	p        Pipeline
	health   Pinger
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// New creates a server over p. health and gatherer may be nil.
func New(p Pipeline, health Pinger, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	return &Server{p: p, health: health, gatherer: gatherer, logger: logger}
}

// Handler returns the routed handler wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthz)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", metrics.Handler(s.gatherer))
	}
	mux.HandleFunc("POST /documents", s.postDocument)
	mux.HandleFunc("GET /documents/{id}", s.getDocument)
	mux.HandleFunc("GET /documents/{id}/insights", s.getInsights)
	mux.HandleFunc("POST /documents/{id}/insights", s.extractInsights)
	mux.HandleFunc("POST /meetings", s.postMeeting)
	mux.HandleFunc("GET /search", s.search)
	mux.HandleFunc("POST /insights/batch", s.insightsBatch)

	logger := s.logger
	return hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(mux),
	)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("health check failed")
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

type ingestRequest struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) postDocument(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(r.Context(), ingestTimeout)
	defer cancel()

	res := s.p.ProcessDocument(ctx, req.ID, req.Content, req.Metadata)
	writeJSON(w, resultStatus(res.Success, res.Stages), res)
}

type meetingRequest struct {
	MeetingID  string            `json:"meeting_id"`
	Transcript string            `json:"transcript"`
	Metadata   map[string]string `json:"metadata"`
}

func (s *Server) postMeeting(w http.ResponseWriter, r *http.Request) {
	var req meetingRequest
	if !decode(w, r, &req) {
		return
	}
	if req.MeetingID == "" {
		req.MeetingID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(r.Context(), ingestTimeout)
	defer cancel()

	res := s.p.ProcessMeetingTranscript(ctx, req.MeetingID, req.Transcript, req.Metadata)
	writeJSON(w, resultStatus(res.Success, res.Stages), res)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	d, err := s.p.Document(ctx, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) getInsights(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultTimeout)
	defer cancel()
	b, err := s.p.Insights(ctx, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) extractInsights(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ingestTimeout)
	defer cancel()
	b, err := s.p.ExtractInsights(ctx, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// search serves GET /search?q=&limit=&mode=keyword&document_id=&attr.<key>=<value>.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	qv := r.URL.Query()
	q := strings.TrimSpace(qv.Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")
		return
	}
	limit := 0
	if v := qv.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	req := search.Request{
		Query:       q,
		Limit:       limit,
		KeywordOnly: qv.Get("mode") == search.PathKeyword,
		Filters:     filtersFromQuery(r),
	}

	ctx, cancel := context.WithTimeout(r.Context(), searchTimeout)
	defer cancel()
	resp, err := s.p.Search(ctx, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if resp.Results == nil {
		resp.Results = []models.SearchResult{}
	}
	for i := range resp.Results {
		if math.IsNaN(resp.Results[i].Score) || math.IsInf(resp.Results[i].Score, 0) {
			resp.Results[i].Score = 0
		}
	}
	writeJSON(w, http.StatusOK, resp)

	hlog.FromRequest(r).Info().Str("q", q).Int("limit", limit).Str("retrieval", resp.Path).
		Bool("reranked", resp.Reranked).Int("results", len(resp.Results)).Dur("dur", time.Since(start)).Msg("served search")
}

func filtersFromQuery(r *http.Request) store.Filters {
	var f store.Filters
	for key, vals := range r.URL.Query() {
		switch {
		case key == "document_id":
			f.DocumentIDs = append(f.DocumentIDs, vals...)
		case strings.HasPrefix(key, attrPrefix) && len(vals) > 0:
			if f.Attributes == nil {
				f.Attributes = map[string]string{}
			}
			f.Attributes[strings.TrimPrefix(key, attrPrefix)] = vals[0]
		}
	}
	return f
}

func (s *Server) insightsBatch(w http.ResponseWriter, r *http.Request) {
	var sel insights.Selector
	if !decode(w, r, &sel) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), ingestTimeout)
	defer cancel()
	res, err := s.p.ExtractInsightsBatch(ctx, sel)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	ev := hlog.FromRequest(r).Error()
	if status < http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Debug()
	}
	ev.Err(err).Int("status", status).Msg("request failed")
	writeError(w, status, errs.Distill(err))
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindService:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// resultStatus maps an ingestion result to a status code: rejected input is
// 400, a failed external call is 502, anything else that failed is 500.
func resultStatus(ok bool, stages []models.StageResult) int {
	if ok {
		return http.StatusOK
	}
	for _, st := range stages {
		if st.Outcome != models.OutcomeFatal {
			continue
		}
		switch st.Stage {
		case pipeline.StageValidate:
			return http.StatusBadRequest
		case pipeline.StageEmbed, pipeline.StageInsights:
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
