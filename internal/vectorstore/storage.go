package vectorstore

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
)

// DefaultNamespace holds policy chunks; they are scoped by metadata filters instead.
const DefaultNamespace = ""

// MaxUpsertBatch caps the number of vectors sent in one upsert call.
const MaxUpsertBatch = 100

// Vector is a single point to store. ID is the idempotency key: re-upserting overwrites.
type Vector struct {
	ID       string
	Values   []float64
	Metadata map[string]any
}

// Match is a ranked query hit with a similarity score in [0,1].
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// Filter holds equality constraints over metadata keys. A nil value is ignored.
type Filter map[string]any

// Storage persists vectors per namespace and supports filtered similarity search.
// A query or upsert whose vector length differs from the index dimension fails
// with a domain.ConfigurationError.
type Storage interface {
	Init(ctx context.Context, dimension int) error
	Dimension() int
	Upsert(ctx context.Context, namespace string, vectors []Vector) error
	Query(ctx context.Context, namespace string, vector []float64, topK int, filter Filter) ([]Match, error)
	Delete(ctx context.Context, namespace string, ids []string) error
}

// MatchesFilter reports whether metadata satisfies every constraint in filter.
// Numbers compare by value regardless of their Go type; a list-valued metadata
// entry matches when any element equals the constraint.
func MatchesFilter(metadata map[string]any, filter Filter) bool {
	for key, want := range filter {
		if want == nil {
			continue
		}
		got, ok := metadata[key]
		if !ok {
			return false
		}
		if !valueMatches(got, want) {
			return false
		}
	}
	return true
}

func valueMatches(got, want any) bool {
	rv := reflect.ValueOf(got)
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
		for i := 0; i < rv.Len(); i++ {
			if scalarEqual(rv.Index(i).Interface(), want) {
				return true
			}
		}
		return false
	}
	return scalarEqual(got, want)
}

func scalarEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// ClampScore maps a raw cosine similarity into [0,1].
func ClampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
