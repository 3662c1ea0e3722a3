package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"gapeval/internal/domain"
	"gapeval/internal/indexer"
	"gapeval/internal/service"
)

const maxBodyBytes = 8 << 20

// Evaluator is the part of the gap service exposed over HTTP.
type Evaluator interface {
	EvaluateControl(ctx context.Context, controlID, companyID int64) (domain.Verdict, error)
	EvaluateFramework(ctx context.Context, frameworkID, companyID int64, limit int) (service.BatchResult, error)
	IndexDocument(ctx context.Context, req indexer.Request) (indexer.Result, error)
	IndexPolicy(ctx context.Context, policyID int64) (indexer.Result, error)
	IndexKnowledgeBase(ctx context.Context, frameworkID int64, title, version, text string) (domain.KnowledgeBaseDocument, indexer.Result, error)
	RetrieveEvidence(ctx context.Context, q service.EvidenceQuery) ([]domain.EvidenceItem, error)
}

// Records reads persisted evaluation results.
type Records interface {
	Gaps(ctx context.Context, companyID int64) ([]domain.Gap, error)
	Remediations(ctx context.Context, gapID int64) ([]domain.Remediation, error)
	Evaluation(ctx context.Context, id string) (domain.Verdict, error)
}

type Server struct {
	svc     Evaluator
	records Records
	metrics http.Handler
	logger  *slog.Logger
}

type Option func(*Server)

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(svc Evaluator, records Records, opts ...Option) *Server {
	s := &Server{svc: svc, records: records, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi router for all endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(limitBody)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gapeval"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/controls/{controlID}/evaluate", s.evaluateControl)
		r.Post("/frameworks/{frameworkID}/evaluate", s.evaluateFramework)
		r.Post("/frameworks/{frameworkID}/knowledge-base", s.indexKnowledgeBase)
		r.Post("/policies/{policyID}/index", s.indexPolicy)
		r.Post("/documents", s.indexDocument)
		r.Post("/evidence/search", s.searchEvidence)
		r.Get("/gaps", s.listGaps)
		r.Get("/gaps/{gapID}/remediations", s.listRemediations)
		r.Get("/evaluations/{evaluationID}", s.getEvaluation)
	})
	return r
}

func (s *Server) evaluateControl(w http.ResponseWriter, r *http.Request) {
	controlID, ok := pathID(w, r, "controlID")
	if !ok {
		return
	}
	companyID, ok := requiredQueryID(w, r, "company_id")
	if !ok {
		return
	}
	v, err := s.svc.EvaluateControl(r.Context(), controlID, companyID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) evaluateFramework(w http.ResponseWriter, r *http.Request) {
	frameworkID, ok := pathID(w, r, "frameworkID")
	if !ok {
		return
	}
	companyID, ok := requiredQueryID(w, r, "company_id")
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	res, err := s.svc.EvaluateFramework(r.Context(), frameworkID, companyID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type documentRequest struct {
	DocumentID string            `json:"document_id"`
	Kind       domain.SourceKind `json:"kind"`
	Text       string            `json:"text"`
	Namespace  string            `json:"namespace"`
	Metadata   map[string]any    `json:"metadata"`
}

func (s *Server) indexDocument(w http.ResponseWriter, r *http.Request) {
	var req documentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DocumentID) == "" {
		writeError(w, http.StatusBadRequest, "document_id is required")
		return
	}
	switch req.Kind {
	case "", domain.SourcePolicy, domain.SourceKnowledgeBase:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", req.Kind))
		return
	}
	res, err := s.svc.IndexDocument(r.Context(), indexer.Request{
		DocumentID: req.DocumentID,
		Kind:       req.Kind,
		Text:       req.Text,
		Namespace:  req.Namespace,
		Metadata:   req.Metadata,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) indexPolicy(w http.ResponseWriter, r *http.Request) {
	policyID, ok := pathID(w, r, "policyID")
	if !ok {
		return
	}
	res, err := s.svc.IndexPolicy(r.Context(), policyID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type knowledgeBaseRequest struct {
	Title   string `json:"title"`
	Version string `json:"version"`
	Text    string `json:"text"`
}

func (s *Server) indexKnowledgeBase(w http.ResponseWriter, r *http.Request) {
	frameworkID, ok := pathID(w, r, "frameworkID")
	if !ok {
		return
	}
	var req knowledgeBaseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	doc, res, err := s.svc.IndexKnowledgeBase(r.Context(), frameworkID, req.Title, req.Version, req.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"document": doc, "result": res})
}

func (s *Server) searchEvidence(w http.ResponseWriter, r *http.Request) {
	var q service.EvidenceQuery
	if !decodeBody(w, r, &q) {
		return
	}
	if strings.TrimSpace(q.Text) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if q.Threshold < 0 || q.Threshold > 1 {
		writeError(w, http.StatusBadRequest, "threshold must be within [0,1]")
		return
	}
	items, err := s.svc.RetrieveEvidence(r.Context(), q)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []domain.EvidenceItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) listGaps(w http.ResponseWriter, r *http.Request) {
	companyID, ok := requiredQueryID(w, r, "company_id")
	if !ok {
		return
	}
	gaps, err := s.records.Gaps(r.Context(), companyID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if gaps == nil {
		gaps = []domain.Gap{}
	}
	writeJSON(w, http.StatusOK, gaps)
}

func (s *Server) listRemediations(w http.ResponseWriter, r *http.Request) {
	gapID, ok := pathID(w, r, "gapID")
	if !ok {
		return
	}
	rems, err := s.records.Remediations(r.Context(), gapID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rems == nil {
		rems = []domain.Remediation{}
	}
	writeJSON(w, http.StatusOK, rems)
}

func (s *Server) getEvaluation(w http.ResponseWriter, r *http.Request) {
	v, err := s.records.Evaluation(r.Context(), chi.URLParam(r, "evaluationID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// fail maps the error taxonomy onto status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case domain.IsNotFound(err), errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case domain.IsConfiguration(err):
		s.logger.Error("configuration error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(), "request_id", middleware.GetReqID(r.Context()))
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func requiredQueryID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		writeError(w, http.StatusBadRequest, name+" is required")
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
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
