// Package anyllm adapts github.com/mozilla-ai/any-llm-go to [llm.Provider],
// giving the router one code path for the hosted and local backends that the
// native OpenAI adapter does not cover.
//
// any-llm-go has no portable structured-output switch. A ResponseSchema is
// therefore written into the system prompt and the synthesizer validates
// whatever comes back.
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey(key))
package anyllm

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/toolrouter/pkg/provider/llm"
	"github.com/MrWong99/toolrouter/pkg/types"
)

var _ llm.Provider = (*Provider)(nil)

type backendFunc func(...anyllmlib.Option) (anyllmlib.Provider, error)

var backends = map[string]backendFunc{
	"anthropic": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anthropic.New(o...) },
	"deepseek":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return deepseek.New(o...) },
	"gemini":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return gemini.New(o...) },
	"groq":      func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return groq.New(o...) },
	"llamacpp":  func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamacpp.New(o...) },
	"llamafile": func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return llamafile.New(o...) },
	"mistral":   func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return mistral.New(o...) },
	"ollama":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return ollama.New(o...) },
	"openai":    func(o ...anyllmlib.Option) (anyllmlib.Provider, error) { return anyllmoai.New(o...) },
}

// Backends returns the backend names accepted by [New], sorted.
func Backends() []string {
	return slices.Sorted(maps.Keys(backends))
}

// Provider implements [llm.Provider] on top of an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider for one of [Backends]. Without an API key option the
// backend reads its usual environment variable, e.g. ANTHROPIC_API_KEY.
func New(backendName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backend name must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}
	create, ok := backends[strings.ToLower(backendName)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: %s", backendName, strings.Join(Backends(), ", "))
	}
	backend, err := create(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anyllm: complete: %w", err)
	}
	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: complete: response has no choices")
	}

	out := &llm.CompletionResponse{Content: resp.Choices[0].Message.ContentString()}
	if u := resp.Usage; u != nil {
		out.Usage = llm.Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
	}
	return out, nil
}

// StreamCompletion implements [llm.Provider]. A backend error reported after
// the stream started arrives as a final chunk with [llm.FinishReasonError].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anyllm: stream: %w", err)
	}
	chunks, errs := p.backend.CompletionStream(ctx, params)

	out := make(chan llm.Chunk, 32)
	go func() {
		defer close(out)
		send := func(c llm.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if !send(llm.Chunk{Text: c.Delta.Content, FinishReason: c.FinishReason}) {
				return
			}
		}
		if err := <-errs; err != nil {
			send(llm.Chunk{Text: err.Error(), FinishReason: llm.FinishReasonError})
		}
	}()
	return out, nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

func (p *Provider) buildParams(req llm.CompletionRequest) (anyllmlib.CompletionParams, error) {
	system, err := systemPrompt(req)
	if err != nil {
		return anyllmlib.CompletionParams{}, err
	}

	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if system != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: system})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params, nil
}

// systemPrompt appends the response schema, if any, to the request's system
// prompt as an instruction.
func systemPrompt(req llm.CompletionRequest) (string, error) {
	if req.ResponseSchema == nil {
		return req.SystemPrompt, nil
	}
	schema, err := json.MarshalIndent(req.ResponseSchema.Schema, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal response schema: %w", err)
	}
	parts := []string{
		"Respond with a single JSON document and nothing else. It must conform to this JSON Schema:",
		string(schema),
	}
	if req.SystemPrompt != "" {
		parts = slices.Insert(parts, 0, req.SystemPrompt)
	}
	return strings.Join(parts, "\n\n"), nil
}

func convertMessage(m types.Message) anyllmlib.Message {
	return anyllmlib.Message{Role: string(m.Role), Content: m.Content}
}

// modelFamily holds the limits of every model whose lowercased name matches.
type modelFamily struct {
	match     func(model string) bool
	window    int
	maxOutput int
}

func prefix(p string) func(string) bool { return func(m string) bool { return strings.HasPrefix(m, p) } }
func contains(s string) func(string) bool { return func(m string) bool { return strings.Contains(m, s) } }

// families is searched in order; the first match wins.
var families = []modelFamily{
	{match: prefix("gpt-4o"), window: 128_000, maxOutput: 16_384},
	{match: prefix("gpt-4"), window: 8_192, maxOutput: 4_096},
	{match: prefix("claude"), window: 200_000, maxOutput: 8_192},
	{match: contains("gemini-1.5-pro"), window: 2_097_152, maxOutput: 8_192},
	{match: prefix("gemini"), window: 1_048_576, maxOutput: 8_192},
}

// modelCapabilities looks up model in families. Unknown models get a 32k
// window, which fits most local models served through Ollama or llama.cpp.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{SupportsStreaming: true, ContextWindow: 32_768, MaxOutputTokens: 4_096}
	lower := strings.ToLower(model)
	for _, f := range families {
		if f.match(lower) {
			caps.ContextWindow, caps.MaxOutputTokens = f.window, f.maxOutput
			break
		}
	}
	return caps
}
