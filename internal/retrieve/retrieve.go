// Package retrieve turns a user query into the nearest catalog candidates:
// the query is optionally wrapped in an embedding prompt, embedded, and used
// for a k-nearest-neighbour search over the endpoint catalog.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/MrWong99/toolrouter/pkg/catalog"
	"github.com/MrWong99/toolrouter/pkg/provider/embeddings"
)

// ErrEmbeddingUnavailable is returned when the query cannot be embedded: the
// embedding client failed, timed out, or returned a vector of the wrong
// dimension.
var ErrEmbeddingUnavailable = errors.New("retrieve: embedding unavailable")

// Prompt is the embedding prompt template applied to queries. Instruction-tuned
// embedding models (e5, bge, nomic) expect a task instruction or a "query:"
// prefix; symmetric models need neither.
type Prompt struct {
	Instruction string `yaml:"instruction"`
	QueryPrefix string `yaml:"query_prefix"`
}

// Apply renders the templated text for query. With an instruction the result
// is "<instruction>\n<query_prefix><query>".
func (p Prompt) Apply(query string) string {
	text := p.QueryPrefix + query
	if p.Instruction != "" {
		text = p.Instruction + "\n" + text
	}
	return text
}

// Config configures a [Retriever].
type Config struct {
	// Dimensions is the expected embedding length. It must match the catalog
	// schema. Zero takes the value from the embedding provider.
	Dimensions int

	// Prompt is applied to every query before embedding.
	Prompt Prompt

	// Timeout bounds each embedding call. Zero means no timeout beyond ctx.
	Timeout time.Duration

	// CacheSize enables an LRU cache of query embeddings with that many
	// entries. Zero disables caching.
	CacheSize int
}

// Retriever finds catalog candidates for a query. It is safe for concurrent
// use.
type Retriever struct {
	embedder embeddings.Provider
	store    catalog.Store
	prompt   Prompt
	dims     int
	timeout  time.Duration
	cache    *lru.Cache[string, []float32]
}

// New creates a Retriever.
func New(embedder embeddings.Provider, store catalog.Store, cfg Config) (*Retriever, error) {
	if embedder == nil || store == nil {
		return nil, errors.New("retrieve: embedder and store must not be nil")
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = embedder.Dimensions()
	}
	if dims <= 0 {
		return nil, errors.New("retrieve: embedding dimensions unknown")
	}
	r := &Retriever{
		embedder: embedder,
		store:    store,
		prompt:   cfg.Prompt,
		dims:     dims,
		timeout:  cfg.Timeout,
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("retrieve: embedding cache: %w", err)
		}
		r.cache = cache
	}
	return r, nil
}

// Retrieve returns up to k candidates nearest to query, ordered by ascending
// distance with ties broken by (path, method). cutoff > 0 drops candidates
// farther than cutoff. An empty catalog yields an empty slice and no error.
//
// Embedding failures wrap [ErrEmbeddingUnavailable]. Catalog failures are
// returned wrapped as-is.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, cutoff float64) ([]catalog.Candidate, error) {
	vec, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	candidates, err := r.store.Nearest(ctx, vec, k, cutoff)
	if err != nil {
		return nil, fmt.Errorf("retrieve: nearest: %w", err)
	}
	if candidates == nil {
		candidates = []catalog.Candidate{}
	}
	catalog.SortCandidates(candidates)

	slog.Debug("retrieved candidates", "count", len(candidates), "k", k, "cutoff", cutoff)
	return candidates, nil
}

func (r *Retriever) embed(ctx context.Context, query string) ([]float32, error) {
	text := r.prompt.Apply(query)
	if r.cache != nil {
		if vec, ok := r.cache.Get(text); ok {
			return vec, nil
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	if err := embeddings.CheckBatch([][]float32{vec}, 1, r.dims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}

	if r.cache != nil {
		r.cache.Add(text, vec)
	}
	return vec, nil
}
