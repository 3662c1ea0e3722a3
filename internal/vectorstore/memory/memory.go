package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"gapeval/internal/domain"
	"gapeval/internal/vectorstore"
)

type entry struct {
	values   []float64
	norm     float64
	metadata map[string]any
}

// Storage is a simple in-memory vector store using brute-force cosine similarity.
type Storage struct {
	mu         sync.RWMutex
	dimension  int
	namespaces map[string]map[string]entry
}

func NewStorage() *Storage {
	return &Storage{namespaces: make(map[string]map[string]entry)}
}

func (s *Storage) Init(_ context.Context, dimension int) error {
	if dimension <= 0 {
		return domain.NewConfigurationError(errors.New("invalid dimension"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dimension != 0 && s.dimension != dimension {
		return domain.NewConfigurationError(fmt.Errorf("index dimension is %d, embedder produces %d", s.dimension, dimension))
	}
	s.dimension = dimension
	return nil
}

func (s *Storage) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

func (s *Storage) Upsert(_ context.Context, namespace string, vectors []vectorstore.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range vectors {
		if err := s.checkDimension(len(v.Values)); err != nil {
			return err
		}
	}
	ns, ok := s.namespaces[namespace]
	if !ok {
		ns = make(map[string]entry)
		s.namespaces[namespace] = ns
	}
	for _, v := range vectors {
		meta := make(map[string]any, len(v.Metadata))
		for k, val := range v.Metadata {
			meta[k] = val
		}
		values := append([]float64(nil), v.Values...)
		ns[v.ID] = entry{values: values, norm: norm(values), metadata: meta}
	}
	return nil
}

func (s *Storage) Query(_ context.Context, namespace string, vector []float64, topK int, filter vectorstore.Filter) ([]vectorstore.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkDimension(len(vector)); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}
	qn := norm(vector)
	var matches []vectorstore.Match
	for id, e := range s.namespaces[namespace] {
		if !vectorstore.MatchesFilter(e.metadata, filter) {
			continue
		}
		score := 0.0
		if qn > 0 && e.norm > 0 {
			score = dot(e.values, vector) / (qn * e.norm)
		}
		matches = append(matches, vectorstore.Match{ID: id, Score: vectorstore.ClampScore(score), Metadata: e.metadata})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if topK < len(matches) {
		matches = matches[:topK]
	}
	return matches, nil
}

func (s *Storage) Delete(_ context.Context, namespace string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.namespaces[namespace]
	for _, id := range ids {
		delete(ns, id)
	}
	return nil
}

// Len returns the number of vectors stored in a namespace.
func (s *Storage) Len(namespace string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.namespaces[namespace])
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

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func norm(v []float64) float64 {
	return math.Sqrt(dot(v, v))
}
