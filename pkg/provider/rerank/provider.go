// Package rerank defines the Provider interface for cross-encoder reranking
// backends.
//
// A reranker scores a batch of documents against a single query in one call.
// Unlike embedding distance, the score is produced by a model that sees the
// query and each document together, which makes it suitable as an acceptance
// signal: the router only dispatches to an endpoint whose rerank score clears
// a configured threshold.
//
// Implementations must be safe for concurrent use.
package rerank

import "context"

// Result is the relevance score of one document.
type Result struct {
	// Index is the position of the document in the slice passed to Rerank.
	Index int `json:"index"`

	// Score is the backend's relevance score. Higher is more relevant. The
	// scale is backend-specific; most cross-encoders emit values in [0, 1].
	Score float64 `json:"relevance_score"`
}

// Provider is the abstraction over any reranking backend.
type Provider interface {
	// Rerank scores every document against query in a single request. The
	// returned slice contains one Result per document in any order; callers
	// map results back through Result.Index.
	//
	// An empty documents slice returns (nil, nil) without contacting the
	// backend.
	Rerank(ctx context.Context, query string, documents []string) ([]Result, error)

	// ModelID returns the backend model identifier, or "" when the backend
	// does not expose one.
	ModelID() string
}
