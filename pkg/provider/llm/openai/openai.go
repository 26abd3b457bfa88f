// Package openai adapts the official OpenAI Go SDK to [llm.Provider]. It also
// serves any server that speaks the chat completions API, such as vLLM,
// llama.cpp or LocalAI, which is how self-hosted synthesis models are wired.
package openai

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/toolrouter/pkg/provider/llm"
	"github.com/MrWong99/toolrouter/pkg/types"
)

var _ llm.Provider = (*Provider)(nil)

// Provider implements [llm.Provider] on the chat completions endpoint.
// Schema-constrained requests use the json_schema response format.
type Provider struct {
	client oai.Client
	model  string
}

// settings collects SDK request options. baseURL is tracked separately so
// New can tell a self-hosted server from api.openai.com.
type settings struct {
	baseURL string
	reqOpts []option.RequestOption
}

// Option configures a [Provider].
type Option func(*settings)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(s *settings) {
		s.baseURL = url
		s.reqOpts = append(s.reqOpts, option.WithBaseURL(url))
	}
}

// WithOrganization sets the OpenAI-Organization header.
func WithOrganization(org string) Option {
	return func(s *settings) { s.reqOpts = append(s.reqOpts, option.WithOrganization(org)) }
}

// WithTimeout bounds each request attempt.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.reqOpts = append(s.reqOpts, option.WithRequestTimeout(d)) }
}

// WithHeaders adds static headers to every request.
func WithHeaders(h map[string]string) Option {
	return func(s *settings) {
		for k, v := range h {
			s.reqOpts = append(s.reqOpts, option.WithHeader(k, v))
		}
	}
}

// WithQuery adds static query parameters to every request.
func WithQuery(q map[string]string) Option {
	return func(s *settings) {
		for k, v := range q {
			s.reqOpts = append(s.reqOpts, option.WithQuery(k, v))
		}
	}
}

// WithJSONFields merges extra top-level fields into every request body, such
// as vendor sampling knobs the SDK does not model.
func WithJSONFields(f map[string]any) Option {
	return func(s *settings) {
		for k, v := range f {
			s.reqOpts = append(s.reqOpts, option.WithJSONSet(k, v))
		}
	}
}

// New creates a Provider for model. apiKey may be empty when WithBaseURL
// names a self-hosted server.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}
	var s settings
	if apiKey != "" {
		s.reqOpts = append(s.reqOpts, option.WithAPIKey(apiKey))
	}
	for _, o := range opts {
		o(&s)
	}
	if apiKey == "" && s.baseURL == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	return &Provider{client: oai.NewClient(s.reqOpts...), model: model}, nil
}

// Complete implements [llm.Provider].
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: complete: %w", err)
	}
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai: complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: complete: response has no choices")
	}
	u := resp.Usage
	return &llm.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Usage:   llm.Usage{PromptTokens: int(u.PromptTokens), CompletionTokens: int(u.CompletionTokens), TotalTokens: int(u.TotalTokens)},
	}, nil
}

// StreamCompletion implements [llm.Provider]. Failures after the first byte
// arrive as a final chunk with [llm.FinishReasonError].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: stream: %w", err)
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{IncludeUsage: oai.Bool(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: stream: %w", err)
	}

	out := make(chan llm.Chunk, 32)
	go func() {
		defer close(out)
		defer stream.Close()
		send := func(c llm.Chunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for stream.Next() {
			chunk := stream.Current()
			// The trailing usage chunk has no choices.
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]
			if !send(llm.Chunk{Text: c.Delta.Content, FinishReason: c.FinishReason}) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			send(llm.Chunk{Text: err.Error(), FinishReason: llm.FinishReasonError})
		}
	}()
	return out, nil
}

// Capabilities implements [llm.Provider].
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

// modelCapabilities knows the hosted OpenAI families. Anything else is assumed
// to be a self-hosted model behind vLLM or llama.cpp, which enforce
// json_schema through guided decoding.
func modelCapabilities(model string) types.ModelCapabilities {
	caps := types.ModelCapabilities{
		SupportsStructuredOutput: true,
		SupportsStreaming:        true,
		ContextWindow:            32_768,
		MaxOutputTokens:          4_096,
	}
	m := strings.ToLower(model)
	has := func(prefixes ...string) bool {
		return slices.ContainsFunc(prefixes, func(p string) bool { return strings.HasPrefix(m, p) })
	}
	switch {
	case has("gpt-4o", "gpt-4.1"):
		caps.ContextWindow, caps.MaxOutputTokens = 128_000, 16_384
	case has("gpt-4-turbo"):
		caps.ContextWindow = 128_000
	case has("gpt-4"):
		caps.ContextWindow, caps.SupportsStructuredOutput = 8_192, false
	case has("gpt-3.5-turbo"):
		caps.ContextWindow, caps.SupportsStructuredOutput = 16_385, false
	case has("o3", "o4"):
		caps.ContextWindow, caps.MaxOutputTokens = 200_000, 100_000
	}
	return caps
}

func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	msgs := make([]oai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, msg)
	}

	params := oai.ChatCompletionNewParams{Model: shared.ChatModel(p.model), Messages: msgs}
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}
	if rs := req.ResponseSchema; rs != nil {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &oai.ResponseFormatJSONSchemaParam{JSONSchema: jsonSchema(rs)},
		}
	}
	return params, nil
}

func jsonSchema(rs *llm.ResponseSchema) oai.ResponseFormatJSONSchemaJSONSchemaParam {
	out := oai.ResponseFormatJSONSchemaJSONSchemaParam{
		Name:   rs.Name,
		Schema: rs.Schema,
		Strict: oai.Bool(rs.Strict),
	}
	if rs.Description != "" {
		out.Description = oai.String(rs.Description)
	}
	return out
}

func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case types.RoleUser:
		return oai.UserMessage(m.Content), nil
	case types.RoleAssistant:
		return oai.AssistantMessage(m.Content), nil
	}
	return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
}
