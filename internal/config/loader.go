package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/toolrouter/internal/session"
	"github.com/MrWong99/toolrouter/pkg/types"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"embeddings": {"openai", "ollama"},
	"rerank":     {"remote", "cohere", "jina"},
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// A .env file next to the config is loaded first without overriding variables
// already set, and ${VAR} references in the file are substituted from the
// environment before decoding.
func Load(path string) (*Config, error) {
	LoadDotEnv(filepath.Join(filepath.Dir(path), ".env"))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}

	cfg, err := LoadFromReader(strings.NewReader(ExpandEnv(string(data))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads the .env files at paths that exist. Variables already
// present in the environment win. Unreadable files are logged and skipped.
func LoadDotEnv(paths ...string) {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			slog.Warn("config: failed to load .env file", "path", p, "err", err)
			continue
		}
		slog.Debug("config: loaded environment", "path", p)
	}
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} references in s with the value of the environment
// variable VAR. Unset variables expand to the empty string. Bare $VAR is left
// alone so prompts may contain dollar signs.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	errs = append(errs, validateProvider("embeddings", cfg.Providers.Embeddings)...)
	errs = append(errs, validateProvider("rerank", cfg.Providers.Rerank)...)
	errs = append(errs, validateProvider("llm", cfg.Providers.LLM)...)

	// Catalog
	if cfg.Catalog.PostgresDSN == "" {
		errs = append(errs, errors.New("catalog.postgres_dsn is required"))
	}
	if cfg.Catalog.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("catalog.embedding_dimensions %d must not be negative", cfg.Catalog.EmbeddingDimensions))
	}
	if cfg.Catalog.EmbeddingCacheSize < 0 {
		errs = append(errs, fmt.Errorf("catalog.embedding_cache_size %d must not be negative", cfg.Catalog.EmbeddingCacheSize))
	}

	// Routing
	r := cfg.Routing
	if r.TopK <= 0 {
		errs = append(errs, fmt.Errorf("routing.top_k %d must be positive", r.TopK))
	}
	if r.DistanceCutoff < 0 || r.DistanceCutoff > 2 {
		errs = append(errs, fmt.Errorf("routing.distance_cutoff %.3f is out of range [0, 2]", r.DistanceCutoff))
	}
	if math.IsNaN(r.RerankThreshold) || math.IsInf(r.RerankThreshold, 0) {
		errs = append(errs, errors.New("routing.rerank_threshold must be a finite number"))
	}
	if r.SynthesisAttempts < 1 {
		errs = append(errs, fmt.Errorf("routing.synthesis_attempts %d must be at least 1", r.SynthesisAttempts))
	}
	if r.ContextBudget <= 0 {
		errs = append(errs, fmt.Errorf("routing.context_budget %d must be positive", r.ContextBudget))
	} else if c := session.CharEstimate(types.NewMessage(types.RoleSystem, cfg.Prompts.System)); c > r.ContextBudget {
		errs = append(errs, fmt.Errorf("routing.context_budget %d is smaller than prompts.system (about %d tokens)", r.ContextBudget, c))
	}

	// Timeouts
	for name, d := range map[string]time.Duration{
		"embedding":  cfg.Timeouts.Embedding,
		"rerank":     cfg.Timeouts.Rerank,
		"generation": cfg.Timeouts.Generation,
		"dispatch":   cfg.Timeouts.Dispatch,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must not be negative", name))
		}
	}

	// Dispatch
	if cfg.Dispatch.BaseURL == "" {
		errs = append(errs, errors.New("dispatch.base_url is required"))
	} else if u, err := url.Parse(cfg.Dispatch.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("dispatch.base_url %q must be an absolute http or https URL", cfg.Dispatch.BaseURL))
	}
	if cfg.Dispatch.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("dispatch.max_body_bytes %d must not be negative", cfg.Dispatch.MaxBodyBytes))
	}

	// Sessions
	if cfg.Sessions.Max <= 0 {
		errs = append(errs, fmt.Errorf("sessions.max %d must be positive", cfg.Sessions.Max))
	}
	if cfg.Sessions.TTL < 0 {
		errs = append(errs, errors.New("sessions.ttl must not be negative"))
	}

	// MCP
	if cfg.MCP.Enabled && !strings.HasPrefix(cfg.MCP.Path, "/") {
		errs = append(errs, fmt.Errorf("mcp.path %q must start with /", cfg.MCP.Path))
	}

	return errors.Join(errs...)
}

// validateProvider checks a provider entry and its fallbacks.
func validateProvider(kind string, e ProviderEntry) []error {
	var errs []error
	if e.Name == "" {
		errs = append(errs, fmt.Errorf("providers.%s.name is required", kind))
	}
	validateProviderName(kind, e.Name)
	for i, fb := range e.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s.fallbacks[%d].name is required", kind, i))
		}
		validateProviderName(kind, fb.Name)
		if len(fb.Fallbacks) > 0 {
			slog.Warn("nested provider fallbacks are ignored", "kind", kind, "fallback", fb.Name)
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
