package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/toolrouter/internal/app"
	"github.com/MrWong99/toolrouter/internal/config"
	"github.com/MrWong99/toolrouter/internal/observe"
	"github.com/MrWong99/toolrouter/internal/resilience"
	"github.com/MrWong99/toolrouter/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/toolrouter/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/toolrouter/pkg/provider/embeddings/openai"
	"github.com/MrWong99/toolrouter/pkg/provider/llm"
	"github.com/MrWong99/toolrouter/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/toolrouter/pkg/provider/llm/openai"
	"github.com/MrWong99/toolrouter/pkg/provider/rerank"
	"github.com/MrWong99/toolrouter/pkg/provider/rerank/remote"
)

// builtinProviders maps provider kinds to the implementations that ship with
// toolrouter. Used for startup logging.
var builtinProviders = map[string][]string{
	"embeddings": {"openai", "ollama"},
	"rerank":     {"remote", "cohere", "jina"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// hostedRerankers are the rerank services reachable through the generic remote
// client with nothing but a base URL and a bearer token.
var hostedRerankers = map[string]struct{ baseURL, path string }{
	"cohere": {baseURL: "https://api.cohere.com", path: "/v2/rerank"},
	"jina":   {baseURL: "https://api.jina.ai", path: "/v1/rerank"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Embeddings ────────────────────────────────────────────────────────────

	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaembed.WithTimeout(d))
		}
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, oaembed.WithDimensions(n))
		}
		if len(entry.Headers) > 0 {
			opts = append(opts, oaembed.WithHeaders(entry.Headers))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, ollamaembed.WithTimeout(d))
		}
		if n := optInt(entry.Options, "dimensions"); n > 0 {
			opts = append(opts, ollamaembed.WithDimensions(n))
		}
		if len(entry.Headers) > 0 {
			opts = append(opts, ollamaembed.WithHeaders(entry.Headers))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	// ── Rerank ────────────────────────────────────────────────────────────────

	reg.RegisterRerank("remote", func(entry config.ProviderEntry) (rerank.Provider, error) {
		return newRemoteReranker(entry, entry.BaseURL, optString(entry.Options, "path"))
	})

	for name, hosted := range hostedRerankers {
		reg.RegisterRerank(name, func(entry config.ProviderEntry) (rerank.Provider, error) {
			baseURL := entry.BaseURL
			if baseURL == "" {
				baseURL = hosted.baseURL
			}
			path := optString(entry.Options, "path")
			if path == "" {
				path = hosted.path
			}
			return newRemoteReranker(entry, baseURL, path)
		})
	}

	// ── LLM ───────────────────────────────────────────────────────────────────

	// The native OpenAI client supports strict JSON-schema output, custom
	// headers and extra body fields, so it also serves compatible gateways.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oallm.WithTimeout(d))
		}
		if len(entry.Headers) > 0 {
			opts = append(opts, oallm.WithHeaders(entry.Headers))
		}
		if len(entry.Params) > 0 {
			opts = append(opts, oallm.WithQuery(entry.Params))
		}
		if len(entry.JSON) > 0 {
			opts = append(opts, oallm.WithJSONFields(entry.JSON))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range []string{
		"anthropic", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		return anyllm.New("ollama", entry.Model, opts...)
	})

	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

func newRemoteReranker(entry config.ProviderEntry, baseURL, path string) (rerank.Provider, error) {
	var opts []remote.Option
	if path != "" {
		opts = append(opts, remote.WithPath(path))
	}
	if entry.Model != "" {
		opts = append(opts, remote.WithModel(entry.Model))
	}
	if d := optDuration(entry.Options, "timeout"); d > 0 {
		opts = append(opts, remote.WithTimeout(d))
	}
	headers := make(map[string]string, len(entry.Headers)+1)
	if entry.APIKey != "" {
		headers["Authorization"] = "Bearer " + entry.APIKey
	}
	for k, v := range entry.Headers {
		headers[k] = v
	}
	if len(headers) > 0 {
		opts = append(opts, remote.WithHeaders(headers))
	}
	if len(entry.Params) > 0 {
		opts = append(opts, remote.WithQueryParams(entry.Params))
	}
	if len(entry.JSON) > 0 {
		opts = append(opts, remote.WithJSONFields(entry.JSON))
	}
	return remote.New(baseURL, opts...)
}

// ── Provider construction ─────────────────────────────────────────────────────

// buildProviders instantiates the three clients named in cfg, each wrapped in
// a fallback group with its configured fallbacks behind it.
func buildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*app.Providers, error) {
	embed, err := buildEmbeddings(cfg.Providers.Embeddings, reg, fallbackConfig("embeddings", m))
	if err != nil {
		return nil, err
	}
	rr, err := buildRerank(cfg.Providers.Rerank, reg, fallbackConfig("rerank", m))
	if err != nil {
		return nil, err
	}
	gen, err := buildLLM(cfg.Providers.LLM, reg, fallbackConfig("llm", m))
	if err != nil {
		return nil, err
	}
	return &app.Providers{Embeddings: embed, Rerank: rr, LLM: gen}, nil
}

func buildEmbeddings(entry config.ProviderEntry, reg *config.Registry, fc resilience.FallbackConfig) (embeddings.Provider, error) {
	p, err := create(entry, "embeddings", reg.CreateEmbeddings)
	if err != nil {
		return nil, err
	}
	fb := resilience.NewEmbeddingsFallback(p, entry.Name, fc)
	for _, e := range entry.Fallbacks {
		alt, err := create(e, "embeddings fallback", reg.CreateEmbeddings)
		if err != nil {
			return nil, err
		}
		if err := fb.AddFallback(e.Name, alt); err != nil {
			return nil, err
		}
	}
	return fb, nil
}

func buildRerank(entry config.ProviderEntry, reg *config.Registry, fc resilience.FallbackConfig) (rerank.Provider, error) {
	p, err := create(entry, "rerank", reg.CreateRerank)
	if err != nil {
		return nil, err
	}
	fb := resilience.NewRerankFallback(p, entry.Name, fc)
	for _, e := range entry.Fallbacks {
		alt, err := create(e, "rerank fallback", reg.CreateRerank)
		if err != nil {
			return nil, err
		}
		fb.AddFallback(e.Name, alt)
	}
	return fb, nil
}

func buildLLM(entry config.ProviderEntry, reg *config.Registry, fc resilience.FallbackConfig) (llm.Provider, error) {
	p, err := create(entry, "llm", reg.CreateLLM)
	if err != nil {
		return nil, err
	}
	fb := resilience.NewLLMFallback(p, entry.Name, fc)
	for _, e := range entry.Fallbacks {
		alt, err := create(e, "llm fallback", reg.CreateLLM)
		if err != nil {
			return nil, err
		}
		fb.AddFallback(e.Name, alt)
	}
	return fb, nil
}

// fallbackConfig returns the fallback settings for one client kind. Breaker
// transitions are logged; m may be nil.
func fallbackConfig(kind string, m *observe.Metrics) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		Kind:    kind,
		Metrics: m,
		CircuitBreaker: resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to)
			},
		},
	}
}

// create runs one registry factory and logs the result.
func create[T any](entry config.ProviderEntry, kind string, factory func(config.ProviderEntry) (T, error)) (T, error) {
	p, err := factory(entry)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		return p, fmt.Errorf("%s provider %q is not built in: %w", kind, entry.Name, err)
	}
	if err != nil {
		return p, fmt.Errorf("create %s provider %q: %w", kind, entry.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", entry.Name, "model", entry.Model)
	return p, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer from Options. YAML decodes small integers as int;
// strings holding a number are accepted too.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// optDuration parses a Go duration string such as "30s" from Options.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
