package graph

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"
)

// SQLite stores timestamps as unix milliseconds so range predicates and
// day bucketing stay numeric.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms sql.NullInt64) time.Time {
	if !ms.Valid {
		return time.Time{}
	}
	return time.UnixMilli(ms.Int64).UTC()
}

// sqlValue converts a property value to what the SQLite driver stores.
// Structured values become JSON text; embeddings become a JSON blob.
func sqlValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case time.Time:
		if x.IsZero() {
			return nil, nil
		}
		return toMillis(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string, int, int64, float64:
		return x, nil
	case []float64:
		if len(x) == 0 {
			return nil, nil
		}
		return StoreEmbeddingJSON(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Ptr:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %T: %w", v, err)
		}
		return string(data), nil
	}
	return v, nil
}

// neo4jValue converts a property value to a Bolt-compatible one. Neo4j
// properties cannot be maps or structs, so those are stored as JSON strings.
func neo4jValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, int, int64, float64, []float64, []string:
		return x, nil
	case time.Time:
		if x.IsZero() {
			return nil, nil
		}
		return x.UTC(), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return string(data), nil
}

// StoreEmbeddingJSON is a helper to serialize embeddings to JSON for storage
func StoreEmbeddingJSON(embedding []float64) ([]byte, error) {
	return json.Marshal(embedding)
}

// LoadEmbeddingJSON is a helper to deserialize embeddings from JSON
func LoadEmbeddingJSON(data []byte) ([]float64, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var embedding []float64
	err := json.Unmarshal(data, &embedding)
	return embedding, err
}

func decodeJSON[T any](s sql.NullString, dst *T) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), dst)
}

// float64ToFloat32 converts a float64 slice to float32
func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

// normalizeFloat32 returns a unit-length copy of the vector, which makes L2
// distance in vec0 monotonic with cosine distance.
func normalizeFloat32(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// l2ToCosineSim converts the L2 distance between unit vectors to cosine similarity
func l2ToCosineSim(l2dist float64) float64 {
	return 1 - (l2dist*l2dist)/2
}

// CosineSimilarity computes cosine similarity between two vectors
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
