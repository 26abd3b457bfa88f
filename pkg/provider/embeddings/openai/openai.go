// Package openai embeds text through the OpenAI /embeddings endpoint or any
// server that implements it, such as vLLM, LocalAI or Hugging Face text
// embeddings inference in OpenAI mode.
package openai

import (
	"context"
	"fmt"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/toolrouter/pkg/provider/embeddings"
)

// DefaultModel is used when New is given no model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

var _ embeddings.Provider = (*Provider)(nil)

// knownDimensions lists the native output size of hosted OpenAI models.
var knownDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// Provider implements [embeddings.Provider]. It is safe for concurrent use.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int
}

type settings struct {
	baseURL    string
	dimensions int
	reqOpts    []option.RequestOption
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

// WithTimeout bounds each request attempt.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.reqOpts = append(s.reqOpts, option.WithRequestTimeout(d)) }
}

// WithDimensions fixes the vector length. text-embedding-3 models shorten
// their output to n; any other model must already produce n values.
func WithDimensions(n int) Option {
	return func(s *settings) { s.dimensions = n }
}

// WithHeaders adds static headers to every request.
func WithHeaders(h map[string]string) Option {
	return func(s *settings) {
		for k, v := range h {
			s.reqOpts = append(s.reqOpts, option.WithHeader(k, v))
		}
	}
}

// New creates a Provider. An empty model selects [DefaultModel]. apiKey may be
// empty when WithBaseURL names a self-hosted server.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		model = DefaultModel
	}
	var s settings
	if apiKey != "" {
		s.reqOpts = append(s.reqOpts, option.WithAPIKey(apiKey))
	}
	for _, o := range opts {
		o(&s)
	}
	if apiKey == "" && s.baseURL == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	return &Provider{client: oai.NewClient(s.reqOpts...), model: model, dimensions: s.dimensions}, nil
}

// Embed implements [embeddings.Provider].
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.create(ctx, oai.EmbeddingNewParamsInputUnion{OfString: param.NewOpt(text)}, 1)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed: %w", err)
	}
	return vecs[0], nil
}

// EmbedBatch implements [embeddings.Provider]. Empty input makes no request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.create(ctx, oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts}, len(texts))
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed batch: %w", err)
	}
	return vecs, nil
}

// create sends one request for n inputs and returns the vectors in input
// order. The API tags each vector with its input index.
func (p *Provider) create(ctx context.Context, input oai.EmbeddingNewParamsInputUnion, n int) ([][]float32, error) {
	params := oai.EmbeddingNewParams{Model: p.model, Input: input}
	if p.dimensions > 0 && strings.HasPrefix(strings.ToLower(p.model), "text-embedding-3") {
		params.Dimensions = param.NewOpt(int64(p.dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, err
	}
	out := make([][]float32, n)
	for _, e := range resp.Data {
		if e.Index < 0 || int(e.Index) >= n {
			return nil, fmt.Errorf("vector index %d out of range for %d inputs", e.Index, n)
		}
		out[e.Index] = toFloat32(e.Embedding)
	}
	if err := embeddings.CheckBatch(out, n, p.dimensions); err != nil {
		return nil, err
	}
	return out, nil
}

// Dimensions implements [embeddings.Provider]. It returns 0 for a model that
// is neither configured with WithDimensions nor a known OpenAI model.
func (p *Provider) Dimensions() int {
	if p.dimensions > 0 {
		return p.dimensions
	}
	return knownDimensions[strings.ToLower(p.model)]
}

// ModelID implements [embeddings.Provider].
func (p *Provider) ModelID() string { return p.model }

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
