package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/toolrouter/internal/config"
	"github.com/MrWong99/toolrouter/pkg/catalog"
	"github.com/MrWong99/toolrouter/pkg/catalog/postgres"
	"github.com/MrWong99/toolrouter/pkg/provider/embeddings"
)

// index embeds every descriptor of a catalog file and upserts it into the
// PostgreSQL catalog.
func index(args []string) int {
	fs := flag.NewFlagSet("index", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	catalogPath := fs.String("catalog", "endpoints.yaml", "path to the endpoint catalog (YAML or JSON)")
	batchSize := fs.Int("batch", 32, "descriptions per embedding request")
	parallel := fs.Int("parallel", 4, "concurrent embedding requests")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, _, ok := setup(*configPath)
	if !ok {
		return 1
	}

	descs, err := catalog.LoadFile(*catalogPath)
	if err != nil {
		slog.Error("failed to load catalog", "path", *catalogPath, "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	embed, err := buildEmbeddings(cfg.Providers.Embeddings, reg, fallbackConfig("embeddings", nil))
	if err != nil {
		slog.Error("failed to build embeddings provider", "err", err)
		return 1
	}

	if err := embedAll(ctx, embed, descs, *batchSize, *parallel); err != nil {
		slog.Error("embedding failed", "err", err)
		return 1
	}

	dims := cfg.Catalog.EmbeddingDimensions
	if dims <= 0 {
		dims = len(descs[0].Embedding)
	}
	store, err := postgres.NewStore(ctx, cfg.Catalog.PostgresDSN, dims, postgres.WithModel(embed.ModelID()))
	if err != nil {
		slog.Error("failed to open catalog", "err", err)
		return 1
	}
	defer store.Close()

	for _, d := range descs {
		if err := store.Upsert(ctx, d); err != nil {
			slog.Error("upsert failed", "endpoint", d.Key(), "err", err)
			return 1
		}
		slog.Debug("endpoint indexed", "endpoint", d.Key())
	}
	slog.Info("catalog indexed", "endpoints", len(descs), "model", embed.ModelID(), "dimensions", dims)
	return 0
}

// embedAll fills in the Embedding of every descriptor, batchSize descriptions
// per request and at most parallel requests at a time.
func embedAll(ctx context.Context, embed embeddings.Provider, descs []catalog.Descriptor, batchSize, parallel int) error {
	if len(descs) == 0 {
		return fmt.Errorf("catalog is empty")
	}
	batchSize = max(batchSize, 1)
	dims := embed.Dimensions()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(parallel, 1))
	for start := 0; start < len(descs); start += batchSize {
		batch := descs[start:min(start+batchSize, len(descs))]
		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, d := range batch {
				texts[i] = d.Description
			}
			vecs, err := embed.EmbedBatch(ctx, texts)
			if err != nil {
				return fmt.Errorf("embed batch at %s: %w", batch[0].Key(), err)
			}
			if err := embeddings.CheckBatch(vecs, len(batch), dims); err != nil {
				return fmt.Errorf("embed batch at %s: %w", batch[0].Key(), err)
			}
			for i := range batch {
				batch[i].Embedding = vecs[i]
			}
			return nil
		})
	}
	return g.Wait()
}
