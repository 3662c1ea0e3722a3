package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gapeval/internal/domain"
	"gapeval/internal/vectorstore"
)

func TestStorage_InitCreatesMissingCollection(t *testing.T) {
	var created map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/policies", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("api-key"))
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&created))
			_, _ = w.Write([]byte(`{"result":true}`))
		}
	}))
	defer server.Close()

	s := NewStorage(Config{URL: server.URL, APIKey: "secret", Collection: "policies"})
	require.NoError(t, s.Init(context.Background(), 4))
	assert.Equal(t, 4, s.Dimension())
	vectors := created["vectors"].(map[string]any)
	assert.Equal(t, float64(4), vectors["size"])
	assert.Equal(t, "Cosine", vectors["distance"])
}

func TestStorage_InitDimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":{"config":{"params":{"vectors":{"size":768,"distance":"Cosine"}}}}}`))
	}))
	defer server.Close()

	s := NewStorage(Config{URL: server.URL, Collection: "policies"})
	err := s.Init(context.Background(), 1536)
	require.Error(t, err)
	assert.True(t, domain.IsConfiguration(err))
}

func TestStorage_UpsertAndQuery(t *testing.T) {
	var upserted, search map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			_, _ = w.Write([]byte(`{"result":{"config":{"params":{"vectors":{"size":2}}}}}`))
		case r.URL.Path == "/collections/c/points" && r.Method == http.MethodPut:
			require.NoError(t, json.NewDecoder(r.Body).Decode(&upserted))
			_, _ = w.Write([]byte(`{"result":{}}`))
		case r.URL.Path == "/collections/c/points/search":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&search))
			_, _ = w.Write([]byte(`{"result":[{"score":0.91,"payload":{"namespace":"kb-1","vector_id":"kb-4-0","text":"KB text","kb_doc_id":4}}]}`))
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	ctx := context.Background()
	s := NewStorage(Config{URL: server.URL, Collection: "c"})
	require.NoError(t, s.Init(ctx, 2))

	require.NoError(t, s.Upsert(ctx, "kb-1", []vectorstore.Vector{
		{ID: "kb-4-0", Values: []float64{1, 0}, Metadata: map[string]any{"text": "KB text"}},
	}))
	points := upserted["points"].([]any)
	require.Len(t, points, 1)
	point := points[0].(map[string]any)
	assert.Equal(t, pointID("kb-1", "kb-4-0"), point["id"])
	payload := point["payload"].(map[string]any)
	assert.Equal(t, "kb-1", payload["namespace"])
	assert.Equal(t, "kb-4-0", payload["vector_id"])

	matches, err := s.Query(ctx, "kb-1", []float64{1, 0}, 3, vectorstore.Filter{"framework_id": 1})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "kb-4-0", matches[0].ID)
	assert.Equal(t, 0.91, matches[0].Score)
	assert.NotContains(t, matches[0].Metadata, "namespace")
	assert.Equal(t, "KB text", matches[0].Metadata["text"])

	must := search["filter"].(map[string]any)["must"].([]any)
	assert.Len(t, must, 2)
	assert.Equal(t, float64(3), search["limit"])
}

func TestStorage_QueryDimensionMismatch(t *testing.T) {
	s := NewStorage(Config{URL: "http://127.0.0.1:0", Collection: "c"})
	s.dimension = 3
	_, err := s.Query(context.Background(), "", []float64{1}, 1, nil)
	assert.True(t, domain.IsConfiguration(err))
}

func TestStorage_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := NewStorage(Config{URL: server.URL, Collection: "c"})
	s.dimension = 1
	_, err := s.Query(context.Background(), "", []float64{1}, 1, nil)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestPointID_Deterministic(t *testing.T) {
	assert.Equal(t, pointID("", "policy-1-0"), pointID("", "policy-1-0"))
	assert.NotEqual(t, pointID("", "policy-1-0"), pointID("kb-1", "policy-1-0"))
}
