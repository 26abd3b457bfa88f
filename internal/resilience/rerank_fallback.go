package resilience

import (
	"context"

	"github.com/MrWong99/toolrouter/pkg/provider/rerank"
)

// RerankFallback implements [rerank.Provider] with failover across rerank
// backends. Score scales differ between backends, so a fallback should be
// calibrated to the same threshold as the primary.
type RerankFallback struct {
	group *FallbackGroup[rerank.Provider]
}

var _ rerank.Provider = (*RerankFallback)(nil)

// NewRerankFallback creates a [RerankFallback] around primary.
func NewRerankFallback(primary rerank.Provider, primaryName string, cfg FallbackConfig) *RerankFallback {
	if cfg.Kind == "" {
		cfg.Kind = "rerank"
	}
	return &RerankFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *RerankFallback) AddFallback(name string, provider rerank.Provider) {
	f.group.AddFallback(name, provider)
}

// Breakers reports the breaker state of every backend.
func (f *RerankFallback) Breakers() []BreakerStatus { return f.group.Breakers() }

// Rerank implements [rerank.Provider].
func (f *RerankFallback) Rerank(ctx context.Context, query string, documents []string) ([]rerank.Result, error) {
	return ExecuteWithResult(ctx, f.group, func(p rerank.Provider) ([]rerank.Result, error) {
		return p.Rerank(ctx, query, documents)
	})
}

// ModelID returns the primary's model.
func (f *RerankFallback) ModelID() string { return f.group.Primary().ModelID() }
