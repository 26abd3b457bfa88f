package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/toolrouter/pkg/provider/embeddings"
	"github.com/MrWong99/toolrouter/pkg/provider/llm"
	"github.com/MrWong99/toolrouter/pkg/provider/rerank"
)

// ErrProviderNotRegistered is returned when a [ProviderEntry] names a
// provider for which no factory was registered.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a client from its configuration entry.
type Factory[T any] func(ProviderEntry) (T, error)

// factories is the name → factory table of one client kind.
type factories[T any] struct {
	kind string
	m    map[string]Factory[T]
}

func (f *factories[T]) create(entry ProviderEntry) (T, error) {
	factory, ok := f.m[entry.Name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q (known: %s)", ErrProviderNotRegistered,
			f.kind, entry.Name, strings.Join(slices.Sorted(maps.Keys(f.m)), ", "))
	}
	return factory(entry)
}

// Registry maps provider names to factories for the three client kinds of a
// routing turn. Binaries register the built-in adapters at startup; tests
// register stubs. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	embeddings factories[embeddings.Provider]
	rerank     factories[rerank.Provider]
	llm        factories[llm.Provider]
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		embeddings: factories[embeddings.Provider]{kind: "embeddings", m: map[string]Factory[embeddings.Provider]{}},
		rerank:     factories[rerank.Provider]{kind: "rerank", m: map[string]Factory[rerank.Provider]{}},
		llm:        factories[llm.Provider]{kind: "llm", m: map[string]Factory[llm.Provider]{}},
	}
}

// RegisterEmbeddings registers factory under name, replacing any earlier one.
func (r *Registry) RegisterEmbeddings(name string, factory Factory[embeddings.Provider]) {
	r.mu.Lock()
	r.embeddings.m[name] = factory
	r.mu.Unlock()
}

// RegisterRerank registers factory under name, replacing any earlier one.
func (r *Registry) RegisterRerank(name string, factory Factory[rerank.Provider]) {
	r.mu.Lock()
	r.rerank.m[name] = factory
	r.mu.Unlock()
}

// RegisterLLM registers factory under name, replacing any earlier one.
func (r *Registry) RegisterLLM(name string, factory Factory[llm.Provider]) {
	r.mu.Lock()
	r.llm.m[name] = factory
	r.mu.Unlock()
}

// CreateEmbeddings builds the embeddings client entry names.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.embeddings.create(entry)
}

// CreateRerank builds the rerank client entry names.
func (r *Registry) CreateRerank(entry ProviderEntry) (rerank.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rerank.create(entry)
}

// CreateLLM builds the generation client entry names.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.llm.create(entry)
}
