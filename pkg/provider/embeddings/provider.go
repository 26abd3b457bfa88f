// Package embeddings defines the Provider interface for text embedding backends.
//
// The router uses one embeddings model in two places. Endpoint descriptions
// are embedded once when the catalog is indexed. Every routed query is
// embedded before the nearest-neighbour search. Both sides must come from the
// same model, so vectors carry the model's fixed dimension and the catalog
// records [Provider.ModelID] next to every stored vector.
package embeddings

import (
	"context"
	"errors"
	"fmt"
)

// ErrDimensionMismatch is returned by [CheckBatch] when a backend returns a
// vector of unexpected length.
var ErrDimensionMismatch = errors.New("embeddings: dimension mismatch")

// Provider maps text to dense float32 vectors.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Embed returns the vector for one text. Text is passed through
	// verbatim; model-specific prefixes such as "search_query: " are the
	// caller's job.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per text, in input order, using as few
	// backend calls as the backend allows. On error no partial result is
	// returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the length of every vector this provider produces,
	// or 0 if it cannot be determined.
	Dimensions() int

	// ModelID names the embedding model, e.g. "text-embedding-3-small".
	ModelID() string
}

// CheckBatch verifies that vecs holds n vectors of length dims. A dims of 0
// only requires the vectors to agree with each other.
func CheckBatch(vecs [][]float32, n, dims int) error {
	if len(vecs) != n {
		return fmt.Errorf("embeddings: got %d vectors for %d texts", len(vecs), n)
	}
	for i, v := range vecs {
		if dims == 0 {
			dims = len(v)
		}
		if len(v) == 0 || len(v) != dims {
			return fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), dims)
		}
	}
	return nil
}
