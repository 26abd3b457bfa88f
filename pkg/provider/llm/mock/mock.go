// Package mock provides a scripted [llm.Provider] for tests of the
// synthesizer and summarizer.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/toolrouter/pkg/provider/llm"
	"github.com/MrWong99/toolrouter/pkg/types"
)

var _ llm.Provider = (*Provider)(nil)

// Call records one Complete or StreamCompletion call.
type Call struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// CompleteCall and StreamCall are kept as distinct names for readability at
// call sites.
type (
	CompleteCall = Call
	StreamCall   = Call
)

// Provider replays configured responses and records every call. Configure the
// fields before first use.
type Provider struct {
	mu sync.Mutex

	// CompleteResponses is consumed one per Complete call; the last element
	// repeats once exhausted. When empty, CompleteResponse is returned.
	CompleteResponses []*llm.CompletionResponse
	CompleteResponse  *llm.CompletionResponse
	CompleteErr       error

	// StreamChunks are sent in order on the stream channel.
	StreamChunks []llm.Chunk

	// StreamHold keeps the stream open after the last chunk until the
	// caller's context is done, like a model still generating.
	StreamHold bool

	// StreamErr fails StreamCompletion before a channel is opened.
	StreamErr error

	ModelCapabilities types.ModelCapabilities

	CompleteCalls         []CompleteCall
	StreamCalls           []StreamCall
	CapabilitiesCallCount int
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.CompleteCalls)
	p.CompleteCalls = append(p.CompleteCalls, Call{Ctx: ctx, Req: req})
	switch {
	case p.CompleteErr != nil:
		return nil, p.CompleteErr
	case len(p.CompleteResponses) > 0:
		return p.CompleteResponses[min(n, len(p.CompleteResponses)-1)], nil
	}
	return p.CompleteResponse, nil
}

// StreamCompletion implements [llm.Provider]. The channel closes early when
// ctx is done.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, Call{Ctx: ctx, Req: req})
	if err := p.StreamErr; err != nil {
		p.mu.Unlock()
		return nil, err
	}
	chunks, hold := slices.Clone(p.StreamChunks), p.StreamHold
	p.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() types.ModelCapabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ModelCapabilities
}

// CallCount returns the number of Complete and StreamCompletion calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls) + len(p.StreamCalls)
}
