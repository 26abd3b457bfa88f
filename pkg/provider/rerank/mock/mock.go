// Package mock provides a test double for the rerank.Provider interface.
//
// Scores maps a document string to the score it should receive. Documents
// without an entry score DefaultScore.
//
//	p := &mock.Provider{Scores: map[string]float64{"POST /todos: Add a todo item": 0.92}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/toolrouter/pkg/provider/rerank"
)

// RerankCall records a single invocation of Rerank.
type RerankCall struct {
	Query     string
	Documents []string
}

// Provider is a mock implementation of rerank.Provider.
type Provider struct {
	mu sync.Mutex

	// Scores maps document text to its score.
	Scores map[string]float64

	// DefaultScore is used for documents missing from Scores.
	DefaultScore float64

	// ScoreFunc, if set, overrides Scores and DefaultScore.
	ScoreFunc func(query, document string) float64

	// Err, if non-nil, is returned by every Rerank call.
	Err error

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// RerankCalls records every call to Rerank in order.
	RerankCalls []RerankCall
}

// Rerank records the call and scores every document. Results are returned in
// reverse input order so callers cannot rely on positional alignment.
func (p *Provider) Rerank(_ context.Context, query string, documents []string) ([]rerank.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]string, len(documents))
	copy(cp, documents)
	p.RerankCalls = append(p.RerankCalls, RerankCall{Query: query, Documents: cp})
	if p.Err != nil {
		return nil, p.Err
	}
	if len(documents) == 0 {
		return nil, nil
	}
	out := make([]rerank.Result, 0, len(documents))
	for i := len(documents) - 1; i >= 0; i-- {
		out = append(out, rerank.Result{Index: i, Score: p.score(query, documents[i])})
	}
	return out, nil
}

func (p *Provider) score(query, doc string) float64 {
	if p.ScoreFunc != nil {
		return p.ScoreFunc(query, doc)
	}
	if s, ok := p.Scores[doc]; ok {
		return s
	}
	return p.DefaultScore
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	return p.ModelIDValue
}

// CallCount returns the number of Rerank calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.RerankCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RerankCalls = nil
}

var _ rerank.Provider = (*Provider)(nil)
