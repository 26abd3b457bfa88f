// Package postgres provides a PostgreSQL + pgvector implementation of the
// endpoint catalog.
//
// Descriptors live in a single endpoints table keyed by (path, method) with an
// HNSW cosine index over the description embedding. [Migrate] installs the
// vector extension via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.Upsert(ctx, descriptor)
//	candidates, _ := store.Nearest(ctx, queryVec, 5, 0)
package postgres

import (
	"context"
	"fmt"
)

// ddlEndpoints returns the DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlEndpoints(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS endpoints (
    path         TEXT         NOT NULL,
    method       TEXT         NOT NULL CHECK (method IN ('DELETE', 'GET', 'POST', 'PUT')),
    description  TEXT         NOT NULL,
    params       JSONB,
    body         JSONB,
    embedding    vector(%d)   NOT NULL,
    model        TEXT         NOT NULL DEFAULT '',
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (path, method)
);

CREATE INDEX IF NOT EXISTS idx_endpoints_embedding
    ON endpoints USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates the endpoints table, its vector index and the pgvector
// extension if they do not exist. It is idempotent and safe to call on every
// start.
//
// embeddingDimensions must match the embedding model (e.g., 1536 for OpenAI
// text-embedding-3-small, 768 for nomic-embed-text). Changing it after the
// first migration requires dropping the table and re-indexing.
func Migrate(ctx context.Context, db DB, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	if _, err := db.Exec(ctx, ddlEndpoints(embeddingDimensions)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
