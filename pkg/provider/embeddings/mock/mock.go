// Package mock provides a test double for [embeddings.Provider].
//
//	p := &mock.Provider{
//	    EmbedFunc:       func(text string) ([]float32, error) { return []float32{1, 0, 0}, nil },
//	    DimensionsValue: 3,
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/toolrouter/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// EmbedCall records one Embed call.
type EmbedCall struct {
	Ctx  context.Context
	Text string
}

// EmbedBatchCall records one EmbedBatch call. Texts is a copy.
type EmbedBatchCall struct {
	Ctx   context.Context
	Texts []string
}

// Provider is a scripted [embeddings.Provider]. Configure the fields before
// first use; call records may be read once the code under test returns.
type Provider struct {
	mu sync.Mutex

	// EmbedFunc computes a vector per text. It takes precedence over
	// EmbedResult and EmbedErr, and EmbedBatch uses it per text when
	// EmbedBatchResult is nil.
	EmbedFunc func(text string) ([]float32, error)

	EmbedResult []float32
	EmbedErr    error

	// EmbedBatchResult is returned as is. When nil and EmbedFunc is unset,
	// EmbedBatch returns one nil vector per text.
	EmbedBatchResult [][]float32
	EmbedBatchErr    error

	DimensionsValue int
	ModelIDValue    string

	EmbedCalls      []EmbedCall
	EmbedBatchCalls []EmbedBatchCall
}

// Embed implements [embeddings.Provider].
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.EmbedCalls = append(p.EmbedCalls, EmbedCall{Ctx: ctx, Text: text})
	fn, vec, err := p.EmbedFunc, p.EmbedResult, p.EmbedErr
	p.mu.Unlock()

	if fn != nil {
		return fn(text)
	}
	return vec, err
}

// EmbedBatch implements [embeddings.Provider].
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: slices.Clone(texts)})
	fn, result, err := p.EmbedFunc, p.EmbedBatchResult, p.EmbedBatchErr
	p.mu.Unlock()

	switch {
	case err != nil:
		return nil, err
	case result != nil:
		return result, nil
	}
	out := make([][]float32, len(texts))
	if fn == nil {
		return out, nil
	}
	for i, text := range texts {
		vec, err := fn(text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements [embeddings.Provider].
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID implements [embeddings.Provider].
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// CallCount returns the number of Embed and EmbedBatch calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.EmbedCalls) + len(p.EmbedBatchCalls)
}
