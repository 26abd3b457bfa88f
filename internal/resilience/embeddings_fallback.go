package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/toolrouter/pkg/provider/embeddings"
)

// EmbeddingsFallback implements [embeddings.Provider] with failover across
// embedding backends. Every backend must produce vectors of the primary's
// dimension, since all of them are searched against the same index.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback creates an [EmbeddingsFallback] around primary.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	if cfg.Kind == "" {
		cfg.Kind = "embeddings"
	}
	return &EmbeddingsFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend. It fails when the backend's
// dimension is known and differs from the primary's.
func (f *EmbeddingsFallback) AddFallback(name string, provider embeddings.Provider) error {
	want, got := f.group.Primary().Dimensions(), provider.Dimensions()
	if want > 0 && got > 0 && want != got {
		return fmt.Errorf("resilience: embeddings fallback %q: dimension %d does not match primary %d", name, got, want)
	}
	f.group.AddFallback(name, provider)
	return nil
}

// Breakers reports the breaker state of every backend.
func (f *EmbeddingsFallback) Breakers() []BreakerStatus { return f.group.Breakers() }

// Embed implements [embeddings.Provider].
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(ctx, f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch implements [embeddings.Provider].
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(ctx, f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions returns the primary's dimension.
func (f *EmbeddingsFallback) Dimensions() int { return f.group.Primary().Dimensions() }

// ModelID returns the primary's model. Index rows are tagged with it.
func (f *EmbeddingsFallback) ModelID() string { return f.group.Primary().ModelID() }
