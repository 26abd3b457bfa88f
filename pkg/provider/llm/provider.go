// Package llm defines the Provider interface for text generation backends.
//
// A generation provider wraps a remote or local model API (e.g., OpenAI, an
// OpenAI-compatible vLLM server, Anthropic, or a local Ollama instance) and
// exposes a uniform interface used twice per routed turn: once for
// schema-constrained request synthesis and once for the streamed summary.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/toolrouter/pkg/types"
)

// FinishReasonError is the FinishReason of the chunk emitted when a stream
// fails after it started. Its Text carries the error message.
const FinishReasonError = "error"

// Usage holds token accounting information returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a response.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history.
	Messages []types.Message

	// SystemPrompt is an optional instruction injected before Messages as a
	// "system"-role message.
	SystemPrompt string

	// ResponseSchema, when non-nil, asks the backend for a JSON document
	// matching the schema instead of free text.
	ResponseSchema *ResponseSchema

	// Temperature controls output randomness. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the number of completion tokens. Zero uses the provider default.
	MaxTokens int
}

// Chunk is a single fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// FinishReason is set on the final chunk ("stop", "length", or
	// FinishReasonError) and empty otherwise.
	FinishReason string
}

// CompletionResponse is returned by the non-streaming Complete method.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any generation backend.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed when
	// generation finishes or when ctx is cancelled.
	//
	// Errors after the stream opened are surfaced as a Chunk with FinishReason
	// FinishReasonError. The initial error return is non-nil only for failures
	// that prevent the stream from starting.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata describing the underlying model.
	Capabilities() types.ModelCapabilities
}
