// Package remote provides a rerank provider for HTTP services that expose the
// widely used POST /rerank contract (vLLM, Infinity, Jina, Cohere-compatible
// gateways):
//
//	request:  {"query": "...", "documents": ["...", "..."]}
//	response: {"results": [{"index": 0, "relevance_score": 0.93}, ...]}
//
// Extra headers, query parameters and JSON body fields can be attached to
// every request, for example to select a model or pass an API key.
package remote

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/MrWong99/toolrouter/pkg/provider/rerank"
)

// DefaultPath is the endpoint path appended to the base URL.
const DefaultPath = "/rerank"

var _ rerank.Provider = (*Provider)(nil)

// Provider implements rerank.Provider over HTTP.
type Provider struct {
	client *resty.Client
	path   string
	model  string
	extra  map[string]any
}

type config struct {
	path    string
	model   string
	timeout time.Duration
	headers map[string]string
	params  map[string]string
	extra   map[string]any
}

// Option is a functional option for Provider.
type Option func(*config)

// WithPath overrides DefaultPath.
func WithPath(p string) Option {
	return func(c *config) {
		c.path = p
	}
}

// WithModel adds a "model" field to every request body.
func WithModel(m string) Option {
	return func(c *config) {
		c.model = m
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHeaders adds static headers to every request.
func WithHeaders(h map[string]string) Option {
	return func(c *config) {
		c.headers = h
	}
}

// WithQueryParams adds static query parameters to every request.
func WithQueryParams(p map[string]string) Option {
	return func(c *config) {
		c.params = p
	}
}

// WithJSONFields merges extra fields into every request body. The query and
// documents fields cannot be overridden.
func WithJSONFields(f map[string]any) Option {
	return func(c *config) {
		c.extra = f
	}
}

// New constructs a Provider for the service at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("remote rerank: baseURL must not be empty")
	}
	cfg := &config{path: DefaultPath}
	for _, o := range opts {
		o(cfg)
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeaders(cfg.headers).
		SetQueryParams(cfg.params)
	if cfg.timeout > 0 {
		client.SetTimeout(cfg.timeout)
	}

	return &Provider{
		client: client,
		path:   cfg.path,
		model:  cfg.model,
		extra:  cfg.extra,
	}, nil
}

type rerankResponse struct {
	Results []rerank.Result `json:"results"`
}

// Rerank implements rerank.Provider.
func (p *Provider) Rerank(ctx context.Context, query string, documents []string) ([]rerank.Result, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	body := make(map[string]any, len(p.extra)+3)
	maps.Copy(body, p.extra)
	if p.model != "" {
		body["model"] = p.model
	}
	body["query"] = query
	body["documents"] = documents

	var out rerankResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		Post(p.path)
	if err != nil {
		return nil, fmt.Errorf("remote rerank: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("remote rerank: unexpected status %d: %s", resp.StatusCode(), truncate(resp.String(), 256))
	}
	for _, r := range out.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("remote rerank: result index %d out of range [0,%d)", r.Index, len(documents))
		}
	}
	return out.Results, nil
}

// ModelID implements rerank.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
