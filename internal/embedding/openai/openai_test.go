package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gapeval/internal/domain"
)

func newTestClient(t *testing.T, url string, dim int) *Client {
	t.Helper()
	t.Setenv("TEST_EMBED_KEY", "sk-test")
	c, err := NewClient(Config{BaseURL: url, APIKeyEnv: "TEST_EMBED_KEY", Dimension: dim, MaxRetries: 2})
	require.NoError(t, err)
	return c
}

func TestClient_Embed_OpenAIShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "access control", body["input"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{0.5, 0.25, 0.125}}},
		})
	}))
	defer server.Close()

	vec, err := newTestClient(t, server.URL, 3).Embed(context.Background(), "access control")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 0.25, 0.125}, vec)
}

func TestClient_Embed_SendsConfiguredModel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "nomic-embed-text", body["model"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{1, 0}}},
		})
	}))
	defer server.Close()

	t.Setenv("TEST_EMBED_KEY", "sk-test")
	c, err := NewClient(Config{BaseURL: server.URL + "/", APIKeyEnv: "TEST_EMBED_KEY", Model: "nomic-embed-text", Dimension: 2})
	require.NoError(t, err)
	vec, err := c.Embed(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 0}, vec)
}

func TestClient_Embed_NonRetryableStopsEarly(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, 1).Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Embed_BlankInput(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:0", 3)
	_, err := c.Embed(context.Background(), "  \n ")
	require.Error(t, err)
	assert.True(t, domain.IsEmbedding(err))
	assert.ErrorIs(t, err, domain.ErrEmptyText)
}

func TestClient_Embed_DimensionMismatchIsConfiguration(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{0.1, 0.2}}},
		})
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, 1536).Embed(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, domain.IsConfiguration(err))
}

func TestClient_Embed_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{0.5}}},
		})
	}))
	defer server.Close()

	vec, err := newTestClient(t, server.URL, 1).Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5}, vec)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_Embed_ClientErrorIsTransientUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, 1).Embed(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, domain.IsEmbedding(err))
	assert.True(t, domain.IsTransient(err))
	assert.False(t, domain.IsConfiguration(err))
}

func TestNewClient_MissingKey(t *testing.T) {
	t.Setenv("EMPTY_EMBED_KEY", "")
	_, err := NewClient(Config{APIKeyEnv: "EMPTY_EMBED_KEY", Dimension: 3})
	require.Error(t, err)
	assert.True(t, domain.IsConfiguration(err))
}
