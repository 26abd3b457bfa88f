package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/toolrouter/internal/gate"
	"github.com/MrWong99/toolrouter/internal/retrieve"
	"github.com/MrWong99/toolrouter/internal/summarize"
	"github.com/MrWong99/toolrouter/internal/synth"
)

// Kind classifies why a turn failed.
type Kind string

const (
	// KindClientUnavailable means an external client (see Error.Client) failed.
	KindClientUnavailable Kind = "client_unavailable"

	// KindSynthesisFailed means no valid request could be generated.
	KindSynthesisFailed Kind = "synthesis_failed"

	// KindCancelled means the caller's context ended the turn.
	KindCancelled Kind = "cancelled"

	// KindInternal covers everything else, e.g. a rejected context append.
	KindInternal Kind = "internal"
)

// Clients named in Error.Client.
const (
	ClientEmbedding  = "embedding"
	ClientCatalog    = "catalog"
	ClientRerank     = "rerank"
	ClientGeneration = "generation"
)

// Error is returned by [Pipeline.Run] and [Turn.Wait] when a turn fails.
type Error struct {
	Kind   Kind
	Client string
	State  State
	Err    error
}

func (e *Error) Error() string {
	if e.Client != "" {
		return fmt.Sprintf("pipeline: %s: %s (%s): %v", e.State, e.Kind, e.Client, e.Err)
	}
	return fmt.Sprintf("pipeline: %s: %s: %v", e.State, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps a stage error to an *Error raised in state. A done ctx
// always classifies as cancelled, whatever the stage reported.
func classify(ctx context.Context, state State, err error) *Error {
	e := &Error{Kind: KindInternal, State: state, Err: err}
	switch {
	case ctx.Err() != nil, errors.Is(err, summarize.ErrCancelled):
		e.Kind = KindCancelled
	case errors.Is(err, retrieve.ErrEmbeddingUnavailable):
		e.Kind, e.Client = KindClientUnavailable, ClientEmbedding
	case errors.Is(err, gate.ErrRerankUnavailable):
		e.Kind, e.Client = KindClientUnavailable, ClientRerank
	case errors.Is(err, synth.ErrSynthesisFailed):
		e.Kind = KindSynthesisFailed
	case errors.Is(err, synth.ErrGenerationUnavailable), errors.Is(err, summarize.ErrGenerationUnavailable):
		e.Kind, e.Client = KindClientUnavailable, ClientGeneration
	case state == StateRetrieving:
		e.Kind, e.Client = KindClientUnavailable, ClientCatalog
	}
	return e
}
