package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/toolrouter/pkg/catalog"
)

var (
	_ catalog.Store  = (*Store)(nil)
	_ catalog.Writer = (*Store)(nil)
)

// DB is the subset of [pgxpool.Pool] used by Store. It is satisfied by
// *pgxpool.Pool and by pgxmock pools in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

// Store is the PostgreSQL-backed catalog. All methods are safe for concurrent
// use.
type Store struct {
	db         DB
	dimensions int
	model      string
	close      func()
}

// Option configures a Store.
type Option func(*Store)

// WithModel records the embedding model ID next to every upserted row.
func WithModel(model string) Option {
	return func(s *Store) {
		s.model = model
	}
}

// NewStore connects to the database at dsn, registers pgvector types on every
// connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres catalog: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres catalog: %w", err)
	}

	s := NewStoreWithDB(pool, embeddingDimensions, opts...)
	s.close = pool.Close
	return s, nil
}

// NewStoreWithDB wraps an existing connection. The caller owns db and must
// have registered pgvector types on it; no migration is run.
func NewStoreWithDB(db DB, embeddingDimensions int, opts ...Option) *Store {
	s := &Store{db: db, dimensions: embeddingDimensions}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Nearest implements [catalog.Store].
func (s *Store) Nearest(ctx context.Context, vec []float32, k int, cutoff float64) ([]catalog.Candidate, error) {
	if len(vec) != s.dimensions {
		return nil, fmt.Errorf("postgres catalog: nearest: query vector has %d dimensions, want %d", len(vec), s.dimensions)
	}
	if k <= 0 {
		return []catalog.Candidate{}, nil
	}

	args := []any{pgvector.NewVector(vec)} // $1 = query vector
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if cutoff > 0 {
		conditions = append(conditions, "embedding <=> $1 <= "+next(cutoff))
	}
	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, "\n  AND ")
	}
	limitArg := next(k)

	q := fmt.Sprintf(`
		SELECT path, method, description, params, body,
		       embedding <=> $1 AS distance
		FROM   endpoints
		%s
		ORDER  BY distance, path, method
		LIMIT  %s`, whereClause, limitArg)

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: nearest: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (catalog.Candidate, error) {
		var (
			c            catalog.Candidate
			params, body []byte
		)
		if err := row.Scan(&c.Path, &c.Method, &c.Description, &params, &body, &c.Distance); err != nil {
			return catalog.Candidate{}, err
		}
		c.Params = params
		c.Body = body
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres catalog: scan rows: %w", err)
	}
	if results == nil {
		results = []catalog.Candidate{}
	}
	return results, nil
}

// Upsert implements [catalog.Writer].
func (s *Store) Upsert(ctx context.Context, d catalog.Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("postgres catalog: upsert: %w", err)
	}
	if len(d.Embedding) != s.dimensions {
		return fmt.Errorf("postgres catalog: upsert %s: embedding has %d dimensions, want %d", d.Key(), len(d.Embedding), s.dimensions)
	}

	const q = `
		INSERT INTO endpoints
		    (path, method, description, params, body, embedding, model, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (path, method) DO UPDATE SET
		    description = EXCLUDED.description,
		    params      = EXCLUDED.params,
		    body        = EXCLUDED.body,
		    embedding   = EXCLUDED.embedding,
		    model       = EXCLUDED.model,
		    updated_at  = EXCLUDED.updated_at`

	_, err := s.db.Exec(ctx, q,
		d.Path,
		d.Method,
		d.Description,
		nullableJSON(d.Params),
		nullableJSON(d.Body),
		pgvector.NewVector(d.Embedding),
		s.model,
	)
	if err != nil {
		return fmt.Errorf("postgres catalog: upsert %s: %w", d.Key(), err)
	}
	return nil
}

// Ping checks connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the connection pool if the Store created it.
func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

// nullableJSON maps an empty schema to SQL NULL.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
