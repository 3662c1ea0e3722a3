package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"gapeval/internal/domain"
	"gapeval/internal/vectorstore"
)

const (
	payloadNamespace = "namespace"
	payloadVectorID  = "vector_id"
)

// Storage is a minimal REST client to Qdrant.
// All namespaces share one cosine collection; the namespace is a payload field
// that every query filters on. Point ids are UUIDv5 of namespace and vector id,
// so re-upserting a chunk overwrites it.
type Storage struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	client     *http.Client
}

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

func NewStorage(cfg Config) *Storage {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Storage{
		url:        strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
	}
}

// Init creates the collection if it is missing and verifies the vector size of an existing one.
func (s *Storage) Init(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return domain.NewConfigurationError(errors.New("invalid dimension"))
	}
	var info struct {
		Result struct {
			Config struct {
				Params struct {
					Vectors struct {
						Size int `json:"size"`
					} `json:"vectors"`
				} `json:"params"`
			} `json:"config"`
		} `json:"result"`
	}
	status, err := s.do(ctx, http.MethodGet, s.collectionURL(), nil, &info)
	switch {
	case err == nil:
		if size := info.Result.Config.Params.Vectors.Size; size != dimension {
			return domain.NewConfigurationError(fmt.Errorf(
				"qdrant collection %s has %d dimensions but embedder produces %d", s.collection, size, dimension))
		}
	case status == http.StatusNotFound:
		body := map[string]any{
			"vectors": map[string]any{
				"size":     dimension,
				"distance": "Cosine",
			},
		}
		if _, err := s.do(ctx, http.MethodPut, s.collectionURL(), body, nil); err != nil {
			return err
		}
	default:
		return err
	}
	s.dimension = dimension
	return nil
}

func (s *Storage) Dimension() int { return s.dimension }

func (s *Storage) Upsert(ctx context.Context, namespace string, vectors []vectorstore.Vector) error {
	if len(vectors) == 0 {
		return nil
	}
	points := make([]map[string]any, len(vectors))
	for i, v := range vectors {
		if err := s.checkDimension(len(v.Values)); err != nil {
			return err
		}
		payload := make(map[string]any, len(v.Metadata)+2)
		for k, val := range v.Metadata {
			payload[k] = val
		}
		payload[payloadNamespace] = namespace
		payload[payloadVectorID] = v.ID
		points[i] = map[string]any{
			"id":      pointID(namespace, v.ID),
			"vector":  v.Values,
			"payload": payload,
		}
	}
	body := map[string]any{"points": points}
	_, err := s.do(ctx, http.MethodPut, s.collectionURL()+"/points?wait=true", body, nil)
	return err
}

func (s *Storage) Query(ctx context.Context, namespace string, vector []float64, topK int, filter vectorstore.Filter) ([]vectorstore.Match, error) {
	if err := s.checkDimension(len(vector)); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"filter":       buildFilter(namespace, filter),
	}
	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if _, err := s.do(ctx, http.MethodPost, s.collectionURL()+"/points/search", req, &resp); err != nil {
		return nil, err
	}
	matches := make([]vectorstore.Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		id, _ := r.Payload[payloadVectorID].(string)
		meta := make(map[string]any, len(r.Payload))
		for k, v := range r.Payload {
			if k == payloadNamespace || k == payloadVectorID {
				continue
			}
			meta[k] = v
		}
		matches = append(matches, vectorstore.Match{ID: id, Score: vectorstore.ClampScore(r.Score), Metadata: meta})
	}
	return matches, nil
}

func (s *Storage) Delete(ctx context.Context, namespace string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	points := make([]string, len(ids))
	for i, id := range ids {
		points[i] = pointID(namespace, id)
	}
	_, err := s.do(ctx, http.MethodPost, s.collectionURL()+"/points/delete?wait=true", map[string]any{"points": points}, nil)
	return err
}

func (s *Storage) checkDimension(n int) error {
	if s.dimension == 0 {
		return domain.NewConfigurationError(errors.New("vector index not initialized"))
	}
	if n != s.dimension {
		return domain.NewConfigurationError(fmt.Errorf("vector dimension %d does not match index dimension %d", n, s.dimension))
	}
	return nil
}

func (s *Storage) collectionURL() string {
	return fmt.Sprintf("%s/collections/%s", s.url, s.collection)
}

func pointID(namespace, vectorID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(namespace+"/"+vectorID)).String()
}

func buildFilter(namespace string, filter vectorstore.Filter) map[string]any {
	must := []map[string]any{
		{"key": payloadNamespace, "match": map[string]any{"value": namespace}},
	}
	keys := make([]string, 0, len(filter))
	for k, v := range filter {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		must = append(must, map[string]any{"key": k, "match": map[string]any{"value": filter[k]}})
	}
	return map[string]any{"must": must}
}

// do sends a JSON request. Network and 5xx failures are transient; a 4xx that
// mentions the vector dimension is a configuration error.
func (s *Storage) do(ctx context.Context, method, url string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, domain.NewTransientServiceError("vector-index", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("qdrant %s %s failed: %s: %s", method, url, resp.Status, strings.TrimSpace(string(msg)))
		if resp.StatusCode < 500 && strings.Contains(strings.ToLower(string(msg)), "dimension") {
			return resp.StatusCode, domain.NewConfigurationError(err)
		}
		return resp.StatusCode, domain.NewTransientServiceError("vector-index", err)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, domain.NewTransientServiceError("vector-index", err)
		}
	}
	return resp.StatusCode, nil
}
