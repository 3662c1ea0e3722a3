package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gapeval/internal/domain"
	"gapeval/internal/indexer"
	"gapeval/internal/service"
)

type fakeEvaluator struct {
	verdict   domain.Verdict
	batch     service.BatchResult
	index     indexer.Result
	evidence  []domain.EvidenceItem
	err       error
	lastLimit int
	lastQuery service.EvidenceQuery
	lastIndex indexer.Request
}

func (f *fakeEvaluator) EvaluateControl(_ context.Context, controlID, companyID int64) (domain.Verdict, error) {
	v := f.verdict
	v.ControlID, v.CompanyID = controlID, companyID
	return v, f.err
}

func (f *fakeEvaluator) EvaluateFramework(_ context.Context, frameworkID, companyID int64, limit int) (service.BatchResult, error) {
	f.lastLimit = limit
	b := f.batch
	b.FrameworkID, b.CompanyID = frameworkID, companyID
	return b, f.err
}

func (f *fakeEvaluator) IndexDocument(_ context.Context, req indexer.Request) (indexer.Result, error) {
	f.lastIndex = req
	return f.index, f.err
}

func (f *fakeEvaluator) IndexPolicy(context.Context, int64) (indexer.Result, error) {
	return f.index, f.err
}

func (f *fakeEvaluator) IndexKnowledgeBase(_ context.Context, frameworkID int64, title, version, _ string) (domain.KnowledgeBaseDocument, indexer.Result, error) {
	return domain.KnowledgeBaseDocument{ID: 3, FrameworkID: frameworkID, Title: title, Version: version}, f.index, f.err
}

func (f *fakeEvaluator) RetrieveEvidence(_ context.Context, q service.EvidenceQuery) ([]domain.EvidenceItem, error) {
	f.lastQuery = q
	return f.evidence, f.err
}

type fakeRecords struct {
	gaps []domain.Gap
}

func (f *fakeRecords) Gaps(context.Context, int64) ([]domain.Gap, error) { return f.gaps, nil }

func (f *fakeRecords) Remediations(_ context.Context, gapID int64) ([]domain.Remediation, error) {
	return []domain.Remediation{{ID: 1, GapID: gapID, Title: "Remediation for A.5.1"}}, nil
}

func (f *fakeRecords) Evaluation(_ context.Context, id string) (domain.Verdict, error) {
	if id == "known" {
		return domain.Verdict{ID: id, Status: domain.StatusGap}, nil
	}
	return domain.Verdict{}, fmt.Errorf("evaluation %s: %w", id, sql.ErrNoRows)
}

func newTestServer(ev *fakeEvaluator) *httptest.Server {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("gapeval_evaluations_total 0\n"))
	})
	srv := NewServer(ev, &fakeRecords{}, WithMetricsHandler(metricsHandler))
	return httptest.NewServer(srv.Router())
}

func do(t *testing.T, ts *httptest.Server, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(&fakeEvaluator{})
	defer ts.Close()

	resp, body := do(t, ts, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","service":"gapeval"}`, string(body))

	resp, body = do(t, ts, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "gapeval_evaluations_total")
}

func TestEvaluateControl(t *testing.T) {
	ev := &fakeEvaluator{verdict: domain.Verdict{ID: "v1", Status: domain.StatusGap, RiskScore: 90}}
	ts := newTestServer(ev)
	defer ts.Close()

	resp, body := do(t, ts, http.MethodPost, "/v1/controls/101/evaluate?company_id=7", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v domain.Verdict
	require.NoError(t, json.Unmarshal(body, &v))
	assert.Equal(t, int64(101), v.ControlID)
	assert.Equal(t, int64(7), v.CompanyID)
	assert.Equal(t, domain.StatusGap, v.Status)
}

func TestEvaluateControl_ErrorVerdictIsOK(t *testing.T) {
	ev := &fakeEvaluator{verdict: domain.Verdict{Status: domain.StatusError, Reason: "Control 5 not found"}}
	ts := newTestServer(ev)
	defer ts.Close()

	resp, body := do(t, ts, http.MethodPost, "/v1/controls/5/evaluate?company_id=7", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ERROR"`)
}

func TestEvaluateControl_BadInput(t *testing.T) {
	ts := newTestServer(&fakeEvaluator{})
	defer ts.Close()

	resp, _ := do(t, ts, http.MethodPost, "/v1/controls/101/evaluate", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodPost, "/v1/controls/abc/evaluate?company_id=7", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodGet, "/v1/controls/101/evaluate?company_id=7", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", domain.NewNotFoundError("framework", 9), http.StatusNotFound},
		{"configuration", domain.NewConfigurationError(errors.New("dimension mismatch")), http.StatusInternalServerError},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(&fakeEvaluator{err: tc.err})
			defer ts.Close()
			resp, body := do(t, ts, http.MethodPost, "/v1/frameworks/9/evaluate?company_id=7", "")
			assert.Equal(t, tc.want, resp.StatusCode)
			assert.Contains(t, string(body), `"error"`)
		})
	}
}

func TestEvaluateFramework_Limit(t *testing.T) {
	ev := &fakeEvaluator{batch: service.BatchResult{AnalysisID: "a1", Total: 2, Gaps: 1, Compliant: 1}}
	ts := newTestServer(ev)
	defer ts.Close()

	resp, body := do(t, ts, http.MethodPost, "/v1/frameworks/1/evaluate?company_id=7&limit=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, ev.lastLimit)
	var b service.BatchResult
	require.NoError(t, json.Unmarshal(body, &b))
	assert.Equal(t, "a1", b.AnalysisID)
	assert.Equal(t, int64(1), b.FrameworkID)

	resp, _ = do(t, ts, http.MethodPost, "/v1/frameworks/1/evaluate?company_id=7&limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIndexDocument(t *testing.T) {
	ev := &fakeEvaluator{index: indexer.Result{ChunksIndexed: 3, TotalChunks: 3}}
	ts := newTestServer(ev)
	defer ts.Close()

	resp, body := do(t, ts, http.MethodPost, "/v1/documents",
		`{"document_id":"12","kind":"policy","text":"Backups run nightly.","metadata":{"company_id":7}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"chunks_indexed":3`)
	assert.Equal(t, "12", ev.lastIndex.DocumentID)
	assert.Equal(t, domain.SourcePolicy, ev.lastIndex.Kind)

	resp, _ = do(t, ts, http.MethodPost, "/v1/documents", `{"kind":"policy","text":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodPost, "/v1/documents", `{"document_id":"1","kind":"wiki"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodPost, "/v1/documents", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIndexKnowledgeBase(t *testing.T) {
	ev := &fakeEvaluator{index: indexer.Result{ChunksIndexed: 1, TotalChunks: 1}}
	ts := newTestServer(ev)
	defer ts.Close()

	resp, body := do(t, ts, http.MethodPost, "/v1/frameworks/1/knowledge-base", `{"title":"Annex A","version":"2022","text":"..."}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, string(body), `"title":"Annex A"`)

	resp, _ = do(t, ts, http.MethodPost, "/v1/frameworks/1/knowledge-base", `{"text":"..."}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchEvidence(t *testing.T) {
	ev := &fakeEvaluator{evidence: []domain.EvidenceItem{{Source: domain.SourcePolicy, DocumentID: "1", Score: 0.8}}}
	ts := newTestServer(ev)
	defer ts.Close()

	resp, body := do(t, ts, http.MethodPost, "/v1/evidence/search", `{"query":"asset owners","company_id":7,"framework_id":1}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []domain.EvidenceItem
	require.NoError(t, json.Unmarshal(body, &items))
	require.Len(t, items, 1)
	assert.Equal(t, "asset owners", ev.lastQuery.Text)
	assert.Equal(t, int64(7), ev.lastQuery.CompanyID)

	resp, _ = do(t, ts, http.MethodPost, "/v1/evidence/search", `{"query":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodPost, "/v1/evidence/search", `{"query":"x","threshold":2}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ev.evidence = nil
	resp, body = do(t, ts, http.MethodPost, "/v1/evidence/search", `{"query":"nothing"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestRecords(t *testing.T) {
	ts := newTestServer(&fakeEvaluator{})
	defer ts.Close()

	resp, body := do(t, ts, http.MethodGet, "/v1/gaps?company_id=7", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, body = do(t, ts, http.MethodGet, "/v1/gaps/4/remediations", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"gap_id":4`)

	resp, _ = do(t, ts, http.MethodGet, "/v1/evaluations/known", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, ts, http.MethodGet, "/v1/evaluations/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
