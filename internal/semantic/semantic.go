// Package semantic defines the external search index the memory core
// can delegate text ranking to, plus the embedding provider interface
// it feeds from. Indexing is an optimization, never a durability
// requirement: callers treat every failure here as non-fatal.
package semantic

import (
	"context"
	"math"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// SearchResult is one ranked hit from the index.
type SearchResult struct {
	Reference string            `json:"reference"`
	Score     float64           `json:"score"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Index is the narrow interface the memory core consumes. A reference
// is the record id; the index stores no record payloads beyond the text
// it ranks on.
type Index interface {
	// Ingest adds or replaces the text stored under reference.
	Ingest(ctx context.Context, text, reference string, metadata map[string]string) error

	// Remove deletes the entry under reference. Returns false if absent.
	Remove(ctx context.Context, reference string) (bool, error)

	// Search returns up to topK references ranked by relevance.
	Search(ctx context.Context, query string, topK int) ([]SearchResult, error)
}

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
