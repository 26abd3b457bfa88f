// Package gate decides whether any retrieved candidate is relevant enough to
// act on. All candidates are scored by the reranker in one batch call; only
// the single best candidate is compared against the acceptance threshold.
// The runner-up is never considered.
package gate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/toolrouter/pkg/catalog"
	"github.com/MrWong99/toolrouter/pkg/provider/rerank"
)

// ErrRerankUnavailable is returned when the reranking client fails, times
// out, or returns results that cannot be mapped back to the candidates.
var ErrRerankUnavailable = errors.New("gate: rerank unavailable")

// Reason explains a rejected [Decision].
type Reason string

const (
	// ReasonNone is the reason of an accepted decision.
	ReasonNone Reason = ""

	// ReasonNoCandidate means retrieval returned nothing to score.
	ReasonNoCandidate Reason = "no_candidate"

	// ReasonBelowThreshold means the best score was under the threshold.
	ReasonBelowThreshold Reason = "below_threshold"
)

// Ranked is a retrieval candidate with its rerank score.
type Ranked struct {
	catalog.Candidate
	Score float64 `json:"score"`
}

// Decision is the outcome of gating. Rejection is a normal result, not an
// error.
type Decision struct {
	// Accepted is the top candidate when its score met the threshold, nil
	// otherwise.
	Accepted *Ranked

	// Ranked holds every candidate in descending score order.
	Ranked []Ranked

	// Reason is set when Accepted is nil.
	Reason Reason
}

// TopScore returns the best score, or 0 when nothing was ranked.
func (d Decision) TopScore() float64 {
	if len(d.Ranked) == 0 {
		return 0
	}
	return d.Ranked[0].Score
}

// Gate scores candidates and applies the threshold.
type Gate struct {
	reranker rerank.Provider
	timeout  time.Duration
}

// New creates a Gate. timeout bounds each rerank call; zero disables it.
func New(reranker rerank.Provider, timeout time.Duration) (*Gate, error) {
	if reranker == nil {
		return nil, errors.New("gate: reranker must not be nil")
	}
	return &Gate{reranker: reranker, timeout: timeout}, nil
}

// Decide reranks candidates against query and accepts the top one if its
// score is >= threshold. With no candidates the reranker is not called.
func (g *Gate) Decide(ctx context.Context, query string, candidates []catalog.Candidate, threshold float64) (Decision, error) {
	if len(candidates) == 0 {
		return Decision{Reason: ReasonNoCandidate}, nil
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Document()
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	results, err := g.reranker.Rerank(ctx, query, docs)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrRerankUnavailable, err)
	}

	ranked, err := rank(candidates, results)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrRerankUnavailable, err)
	}

	d := Decision{Ranked: ranked}
	if top := ranked[0]; top.Score >= threshold {
		d.Accepted = &top
	} else {
		d.Reason = ReasonBelowThreshold
	}
	return d, nil
}

// rank maps rerank results back onto candidates and sorts them by descending
// score. Equal scores keep retrieval order. Every candidate must be scored
// exactly once.
func rank(candidates []catalog.Candidate, results []rerank.Result) ([]Ranked, error) {
	if len(results) != len(candidates) {
		return nil, fmt.Errorf("got %d scores for %d candidates", len(results), len(candidates))
	}
	scored := make([]bool, len(candidates))
	ranked := make([]Ranked, len(candidates))
	for _, r := range results {
		if r.Index < 0 || r.Index >= len(candidates) {
			return nil, fmt.Errorf("result index %d out of range", r.Index)
		}
		if scored[r.Index] {
			return nil, fmt.Errorf("duplicate result index %d", r.Index)
		}
		scored[r.Index] = true
		ranked[r.Index] = Ranked{Candidate: candidates[r.Index], Score: r.Score}
	}
	slices.SortStableFunc(ranked, func(a, b Ranked) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	return ranked, nil
}
