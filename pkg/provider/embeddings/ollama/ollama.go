// Package ollama embeds text with a model served by Ollama
// (https://ollama.com), for deployments that keep queries and endpoint
// descriptions on local hardware.
//
//	p, err := ollama.New("", "nomic-embed-text")
//	vec, err := p.Embed(ctx, "search_query: remind me to buy milk")
package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/MrWong99/toolrouter/pkg/provider/embeddings"
)

// DefaultBaseURL is where a local Ollama listens by default.
const DefaultBaseURL = "http://localhost:11434"

var _ embeddings.Provider = (*Provider)(nil)

// modelDims lists the output size of common Ollama embedding models, matched
// by name prefix so tags such as ":latest" or ":v1.5" still resolve.
var modelDims = []struct {
	prefix string
	dims   int
}{
	{"nomic-embed-text", 768},
	{"mxbai-embed-large", 1024},
	{"all-minilm", 384},
	{"snowflake-arctic-embed", 1024},
	{"bge-m3", 1024},
}

// Provider implements [embeddings.Provider] on Ollama's /api/embed endpoint.
//
// The vector size comes from WithDimensions, then from the known model
// table, and otherwise from one probe request on the first Dimensions call.
// Provider is safe for concurrent use.
type Provider struct {
	client *resty.Client
	model  string

	dimsOnce sync.Once
	dims     int
}

type settings struct {
	timeout    time.Duration
	dimensions int
	headers    map[string]string
}

// Option configures a [Provider].
type Option func(*settings)

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

// WithDimensions fixes the vector size and disables the probe.
func WithDimensions(n int) Option {
	return func(s *settings) { s.dimensions = n }
}

// WithHeaders adds static headers to every request, e.g. for an auth proxy in
// front of Ollama.
func WithHeaders(h map[string]string) Option {
	return func(s *settings) { s.headers = h }
}

// New creates a Provider for model. An empty baseURL selects [DefaultBaseURL].
func New(baseURL, model string, opts ...Option) (*Provider, error) {
	if model == "" {
		return nil, fmt.Errorf("ollama embeddings: model must not be empty")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	var s settings
	for _, o := range opts {
		o(&s)
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeaders(s.headers).
		SetTimeout(s.timeout)

	p := &Provider{client: client, model: model, dims: s.dimensions}
	if p.dims == 0 {
		lower := strings.ToLower(model)
		for _, m := range modelDims {
			if strings.HasPrefix(lower, m.prefix) {
				p.dims = m.dims
				break
			}
		}
	}
	if p.dims != 0 {
		// Known size: nothing to probe.
		p.dimsOnce.Do(func() {})
	}
	return p, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Embed implements [embeddings.Provider].
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed: %w", err)
	}
	return vecs[0], nil
}

// EmbedBatch implements [embeddings.Provider]. Empty input makes no request.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs, err := p.embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("ollama embeddings: embed batch: %w", err)
	}
	return vecs, nil
}

// Dimensions implements [embeddings.Provider]. It returns 0 if the probe
// request fails; the probe is not retried.
func (p *Provider) Dimensions() int {
	p.dimsOnce.Do(func() {
		vecs, err := p.embed(context.Background(), []string{"probe"})
		if err != nil {
			slog.Warn("ollama embeddings: dimension probe failed", "model", p.model, "err", err)
			return
		}
		p.dims = len(vecs[0])
	})
	return p.dims
}

// ModelID implements [embeddings.Provider].
func (p *Provider) ModelID() string { return p.model }

func (p *Provider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	var (
		result embedResponse
		apiErr errorResponse
	)
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(embedRequest{Model: p.model, Input: texts}).
		SetResult(&result).
		SetError(&apiErr).
		Post("/api/embed")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		if apiErr.Error != "" {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode(), apiErr.Error)
		}
		return nil, fmt.Errorf("status %d", resp.StatusCode())
	}
	if err := embeddings.CheckBatch(result.Embeddings, len(texts), 0); err != nil {
		return nil, err
	}
	return result.Embeddings, nil
}
