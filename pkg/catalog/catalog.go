// Package catalog defines the endpoint catalog: the set of HTTP endpoints the
// router can dispatch to, each described in natural language and indexed by an
// embedding of that description.
//
// The pipeline only reads from the catalog. Descriptors are written by the
// indexing command (see [Writer]) and are immutable for the lifetime of a turn.
package catalog

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Supported HTTP methods. Anything else is rejected at indexing time.
const (
	MethodDelete = "DELETE"
	MethodGet    = "GET"
	MethodPost   = "POST"
	MethodPut    = "PUT"
)

// Methods lists every supported method in lexical order.
var Methods = []string{MethodDelete, MethodGet, MethodPost, MethodPut}

// Descriptor describes one dispatchable endpoint. (Path, Method) is unique
// within a catalog.
type Descriptor struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`

	// Params is the JSON Schema of the query-string parameters. Empty means
	// the endpoint takes none.
	Params json.RawMessage `json:"params,omitempty"`

	// Body is the JSON Schema of the request body. Empty means no body.
	Body json.RawMessage `json:"body,omitempty"`

	// Embedding is the vector of Description. Populated when indexing; the
	// read path does not load it.
	Embedding []float32 `json:"-"`
}

// Key returns "METHOD path", the identity used in logs and rerank documents.
func (d Descriptor) Key() string {
	return d.Method + " " + d.Path
}

// Document returns the text scored by the reranker for this descriptor.
func (d Descriptor) Document() string {
	return d.Key() + ": " + d.Description
}

// Validate checks the invariants a descriptor must satisfy before it is stored.
func (d Descriptor) Validate() error {
	var errs []error
	if !strings.HasPrefix(d.Path, "/") {
		errs = append(errs, fmt.Errorf("path %q must begin with a forward slash", d.Path))
	}
	if !slices.Contains(Methods, d.Method) {
		errs = append(errs, fmt.Errorf("method %q is not one of %s", d.Method, strings.Join(Methods, ", ")))
	}
	if strings.TrimSpace(d.Description) == "" {
		errs = append(errs, errors.New("description must not be empty"))
	}
	if len(d.Params) > 0 && !json.Valid(d.Params) {
		errs = append(errs, errors.New("params is not valid JSON"))
	}
	if len(d.Body) > 0 && !json.Valid(d.Body) {
		errs = append(errs, errors.New("body is not valid JSON"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("descriptor %s: %w", d.Key(), err)
	}
	return nil
}

// Candidate is a descriptor returned by a nearest-neighbour search together
// with its cosine distance to the query vector.
type Candidate struct {
	Descriptor
	Distance float64 `json:"distance"`
}

// SortCandidates orders cs by ascending distance, breaking ties by ascending
// path and then method.
func SortCandidates(cs []Candidate) {
	slices.SortStableFunc(cs, func(a, b Candidate) int {
		return cmp.Or(
			cmp.Compare(a.Distance, b.Distance),
			cmp.Compare(a.Path, b.Path),
			cmp.Compare(a.Method, b.Method),
		)
	})
}

// Store is the read side of the catalog used by the retriever.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Nearest returns up to k descriptors closest to vec, ordered as by
	// [SortCandidates]. When cutoff > 0 only candidates with
	// Distance <= cutoff are returned. An empty catalog yields an empty,
	// non-nil slice and a nil error.
	Nearest(ctx context.Context, vec []float32, k int, cutoff float64) ([]Candidate, error)
}

// Writer is the write side of the catalog used by the indexing command.
type Writer interface {
	// Upsert inserts d or replaces the descriptor with the same (Path, Method).
	// d.Embedding must be set.
	Upsert(ctx context.Context, d Descriptor) error
}
