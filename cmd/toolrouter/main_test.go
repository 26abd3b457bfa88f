package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/toolrouter/internal/config"
	"github.com/MrWong99/toolrouter/pkg/catalog"
	"github.com/MrWong99/toolrouter/pkg/provider/embeddings"
	embmock "github.com/MrWong99/toolrouter/pkg/provider/embeddings/mock"
	"github.com/MrWong99/toolrouter/pkg/provider/llm"
	llmmock "github.com/MrWong99/toolrouter/pkg/provider/llm/mock"
	"github.com/MrWong99/toolrouter/pkg/provider/rerank"
	rerankmock "github.com/MrWong99/toolrouter/pkg/provider/rerank/mock"
)

func TestRun_UnknownCommand(t *testing.T) {
	if code := run([]string{"bogus"}); code != 2 {
		t.Errorf("run(bogus) = %d, want 2", code)
	}
}

func TestRun_MissingConfig(t *testing.T) {
	if code := run([]string{"migrate", "-config", t.TempDir() + "/missing.yaml"}); code != 1 {
		t.Errorf("run(migrate) = %d, want 1", code)
	}
}

func TestOptHelpers(t *testing.T) {
	opts := map[string]any{
		"path":       "/v2/rerank",
		"dimensions": 768,
		"batch":      "16",
		"ratio":      1.5,
		"timeout":    "30s",
		"bad":        "soon",
	}

	if got := optString(opts, "path"); got != "/v2/rerank" {
		t.Errorf("optString(path) = %q", got)
	}
	if got := optString(opts, "dimensions"); got != "" {
		t.Errorf("optString(dimensions) = %q, want empty for a non-string", got)
	}
	if got := optString(nil, "path"); got != "" {
		t.Errorf("optString(nil) = %q", got)
	}

	tests := []struct {
		key  string
		want int
	}{
		{"dimensions", 768},
		{"batch", 16},
		{"ratio", 1},
		{"path", 0},
		{"absent", 0},
	}
	for _, tt := range tests {
		if got := optInt(opts, tt.key); got != tt.want {
			t.Errorf("optInt(%s) = %d, want %d", tt.key, got, tt.want)
		}
	}

	if got := optDuration(opts, "timeout"); got != 30*time.Second {
		t.Errorf("optDuration(timeout) = %v", got)
	}
	if got := optDuration(opts, "bad"); got != 0 {
		t.Errorf("optDuration(bad) = %v, want 0", got)
	}
}

func TestRegisterBuiltinProviders_HostedRerankers(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	for _, name := range []string{"remote", "cohere", "jina"} {
		entry := config.ProviderEntry{Name: name, APIKey: "k", Model: "rerank-v3"}
		if name == "remote" {
			entry.BaseURL = "http://localhost:8080"
		}
		p, err := reg.CreateRerank(entry)
		if err != nil {
			t.Errorf("CreateRerank(%s): %v", name, err)
			continue
		}
		if p.ModelID() != "rerank-v3" {
			t.Errorf("%s ModelID = %q", name, p.ModelID())
		}
	}

	if _, err := reg.CreateRerank(config.ProviderEntry{Name: "tei"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateRerank(tei): err = %v, want ErrProviderNotRegistered", err)
	}
}

func mockRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterEmbeddings("mock", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{DimensionsValue: 3, ModelIDValue: e.Model}, nil
	})
	reg.RegisterRerank("mock", func(config.ProviderEntry) (rerank.Provider, error) {
		return &rerankmock.Provider{}, nil
	})
	reg.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})
	return reg
}

func TestBuildProviders(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.Embeddings = config.ProviderEntry{
		Name:      "mock",
		Model:     "a",
		Fallbacks: []config.ProviderEntry{{Name: "mock", Model: "b"}},
	}
	cfg.Providers.Rerank = config.ProviderEntry{Name: "mock"}
	cfg.Providers.LLM = config.ProviderEntry{Name: "mock", Fallbacks: []config.ProviderEntry{{Name: "mock"}}}

	ps, err := buildProviders(cfg, mockRegistry(), nil)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if ps.Embeddings.ModelID() != "a" {
		t.Errorf("embeddings model = %q, want the primary's", ps.Embeddings.ModelID())
	}
	if ps.Rerank == nil || ps.LLM == nil {
		t.Fatalf("providers = %+v", ps)
	}
}

func TestBuildProviders_UnknownName(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.Embeddings = config.ProviderEntry{Name: "mock"}
	cfg.Providers.Rerank = config.ProviderEntry{Name: "mock"}
	cfg.Providers.LLM = config.ProviderEntry{Name: "mock", Fallbacks: []config.ProviderEntry{{Name: "nope"}}}

	_, err := buildProviders(cfg, mockRegistry(), nil)
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("err = %v, want ErrProviderNotRegistered", err)
	}
	if !strings.Contains(err.Error(), `"nope"`) {
		t.Errorf("err = %v, want it to name the provider", err)
	}
}

func TestEmbedAll(t *testing.T) {
	descs := make([]catalog.Descriptor, 5)
	for i := range descs {
		descs[i] = catalog.Descriptor{Path: "/p", Method: catalog.MethodGet, Description: strings.Repeat("x", i+1)}
	}
	embed := &embmock.Provider{EmbedFunc: func(text string) ([]float32, error) {
		return []float32{float32(len(text))}, nil
	}}

	if err := embedAll(context.Background(), embed, descs, 2, 2); err != nil {
		t.Fatalf("embedAll: %v", err)
	}
	if n := len(embed.EmbedBatchCalls); n != 3 {
		t.Errorf("EmbedBatch calls = %d, want 3", n)
	}
	for i, d := range descs {
		if len(d.Embedding) != 1 || d.Embedding[0] != float32(i+1) {
			t.Errorf("descs[%d].Embedding = %v", i, d.Embedding)
		}
	}
}

func TestEmbedAll_Errors(t *testing.T) {
	one := []catalog.Descriptor{{Path: "/p", Method: catalog.MethodGet, Description: "d"}}

	tests := []struct {
		name  string
		descs []catalog.Descriptor
		embed *embmock.Provider
	}{
		{name: "empty catalog", descs: nil, embed: &embmock.Provider{}},
		{name: "provider error", descs: one, embed: &embmock.Provider{EmbedBatchErr: errors.New("boom")}},
		{name: "short batch", descs: one, embed: &embmock.Provider{EmbedBatchResult: [][]float32{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := embedAll(context.Background(), tt.embed, tt.descs, 8, 1); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
