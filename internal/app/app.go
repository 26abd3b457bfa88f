// Package app wires the toolrouter subsystems into a running server.
//
// The App struct owns the full lifecycle: New connects the catalog and builds
// the pipeline stages, Run serves HTTP until its context is cancelled, Reload
// applies hot-reloadable config changes and Shutdown tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithCatalog,
// WithMetrics). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/toolrouter/internal/config"
	"github.com/MrWong99/toolrouter/internal/dispatch"
	"github.com/MrWong99/toolrouter/internal/gate"
	"github.com/MrWong99/toolrouter/internal/health"
	"github.com/MrWong99/toolrouter/internal/mcp"
	"github.com/MrWong99/toolrouter/internal/observe"
	"github.com/MrWong99/toolrouter/internal/pipeline"
	"github.com/MrWong99/toolrouter/internal/resilience"
	"github.com/MrWong99/toolrouter/internal/retrieve"
	"github.com/MrWong99/toolrouter/internal/server"
	"github.com/MrWong99/toolrouter/internal/session"
	"github.com/MrWong99/toolrouter/internal/summarize"
	"github.com/MrWong99/toolrouter/internal/synth"
	"github.com/MrWong99/toolrouter/pkg/catalog"
	"github.com/MrWong99/toolrouter/pkg/catalog/postgres"
	"github.com/MrWong99/toolrouter/pkg/provider/embeddings"
	"github.com/MrWong99/toolrouter/pkg/provider/llm"
	"github.com/MrWong99/toolrouter/pkg/provider/rerank"
)

// shutdownTimeout bounds the graceful HTTP shutdown in Run.
const shutdownTimeout = 10 * time.Second

// Providers holds the three external clients of a turn. All are required.
// Populated by main.go via the config registry, usually wrapped in the
// resilience fallbacks.
type Providers struct {
	Embeddings embeddings.Provider
	Rerank     rerank.Provider
	LLM        llm.Provider
}

func (p *Providers) validate() error {
	var errs []error
	if p == nil {
		return errors.New("providers must not be nil")
	}
	if p.Embeddings == nil {
		errs = append(errs, errors.New("embeddings provider is required"))
	}
	if p.Rerank == nil {
		errs = append(errs, errors.New("rerank provider is required"))
	}
	if p.LLM == nil {
		errs = append(errs, errors.New("llm provider is required"))
	}
	return errors.Join(errs...)
}

// pinger is implemented by catalog stores that can report readiness.
type pinger interface {
	Ping(ctx context.Context) error
}

// breakerReporter is implemented by the resilience fallbacks.
type breakerReporter interface {
	Breakers() []resilience.BreakerStatus
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	version   string

	catalog  catalog.Store
	metrics  *observe.Metrics
	level    *slog.LevelVar
	promHTTP http.Handler

	pipeline *pipeline.Pipeline
	sessions *SessionManager
	health   *health.Handler
	handler  http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithCatalog injects a catalog store instead of connecting to PostgreSQL.
// If the store has a Ping method it backs the readiness check.
func WithCatalog(s catalog.Store) Option {
	return func(a *App) { a.catalog = s }
}

// WithMetrics records on m instead of the global meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets Reload change the log level of a logger built on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.promHTTP = h }
}

// WithVersion sets the version reported in the user agent and to MCP clients.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if err := providers.validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		version:   "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	a.level.Set(cfg.Server.LogLevel.Level())

	// ── 1. Catalog ───────────────────────────────────────────────────────
	if err := a.initCatalog(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	// ── 2. Pipeline ──────────────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 3. Sessions ──────────────────────────────────────────────────────
	sm, err := NewSessionManager(SessionManagerConfig{
		Pipeline:  a.pipeline,
		Preamble:  cfg.Prompts.System,
		Budget:    cfg.Routing.ContextBudget,
		Tokenizer: cfg.Routing.Tokenizer,
		Registry: session.RegistryConfig{
			MaxSessions: cfg.Sessions.Max,
			TTL:         cfg.Sessions.TTL,
		},
		Metrics: a.metrics,
	})
	if err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.sessions = sm

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	if err := a.initServer(); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initCatalog connects the pgvector catalog unless one was injected.
func (a *App) initCatalog(ctx context.Context) error {
	if a.catalog != nil {
		return nil
	}

	dsn := a.cfg.Catalog.PostgresDSN
	if dsn == "" {
		return errors.New("catalog.postgres_dsn is required when no catalog is injected")
	}
	dims := a.dimensions()
	if dims <= 0 {
		return errors.New("embedding dimensions unknown; set catalog.embedding_dimensions")
	}

	store, err := postgres.NewStore(ctx, dsn, dims, postgres.WithModel(a.providers.Embeddings.ModelID()))
	if err != nil {
		return err
	}
	a.catalog = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("catalog connected", "dimensions", dims)
	return nil
}

func (a *App) dimensions() int {
	if d := a.cfg.Catalog.EmbeddingDimensions; d > 0 {
		return d
	}
	return a.providers.Embeddings.Dimensions()
}

// initPipeline builds the stage implementations and the pipeline.
func (a *App) initPipeline() error {
	cfg := a.cfg

	retriever, err := retrieve.New(a.providers.Embeddings, a.catalog, retrieve.Config{
		Dimensions: cfg.Catalog.EmbeddingDimensions,
		Prompt: retrieve.Prompt{
			Instruction: cfg.Catalog.EmbeddingPrompt.Instruction,
			QueryPrefix: cfg.Catalog.EmbeddingPrompt.QueryPrefix,
		},
		Timeout:   cfg.Timeouts.Embedding,
		CacheSize: cfg.Catalog.EmbeddingCacheSize,
	})
	if err != nil {
		return err
	}

	g, err := gate.New(a.providers.Rerank, cfg.Timeouts.Rerank)
	if err != nil {
		return err
	}

	userAgent := cfg.Dispatch.UserAgent
	if userAgent == "" {
		userAgent = "toolrouter/" + a.version
	}
	d, err := dispatch.New(dispatch.Config{
		BaseURL:      cfg.Dispatch.BaseURL,
		Headers:      cfg.Dispatch.Headers,
		Params:       cfg.Dispatch.Params,
		UserAgent:    userAgent,
		Timeout:      cfg.Timeouts.Dispatch,
		MaxBodyBytes: cfg.Dispatch.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	s := synth.New(a.providers.LLM, synth.Config{
		SystemPrompt: cfg.Prompts.Synthesis,
		Attempts:     cfg.Routing.SynthesisAttempts,
		Timeout:      cfg.Timeouts.Generation,
		OnAttempt: func(result string) {
			a.metrics.RecordSynthesisAttempt(context.Background(), result)
		},
	})

	sum := summarize.New(a.providers.LLM, summarize.Config{
		Prompt:  cfg.Prompts.Summary,
		Timeout: cfg.Timeouts.Generation,
	})

	opts := []pipeline.Option{
		pipeline.WithMetrics(a.metrics),
		pipeline.WithOnTransition(func(tr pipeline.Transition) {
			slog.Debug("turn transition", "turn", tr.TurnID, "from", tr.From, "to", tr.To)
		}),
	}
	if cfg.Prompts.Rejection != "" {
		opts = append(opts, pipeline.WithRejection(cfg.Prompts.Rejection))
	}

	a.pipeline, err = pipeline.New(pipeline.Stages{
		Retriever:   retriever,
		Gate:        g,
		Synthesizer: s,
		Dispatcher:  d,
		Summarizer:  sum,
	}, routingFrom(cfg.Routing), opts...)
	return err
}

// initServer builds the readiness checks and the HTTP handler.
func (a *App) initServer() error {
	var checkers []health.Checker
	if p, ok := a.catalog.(pinger); ok {
		checkers = append(checkers, health.Ping("catalog", p.Ping))
	}
	for _, c := range []struct {
		name   string
		client any
	}{
		{"embeddings", a.providers.Embeddings},
		{"rerank", a.providers.Rerank},
		{"llm", a.providers.LLM},
	} {
		if br, ok := c.client.(breakerReporter); ok {
			checkers = append(checkers, health.Breakers(c.name, br.Breakers))
		}
	}

	a.health = health.New(checkers...)
	scfg := server.Config{
		Chats:          a.sessions,
		Health:         a.health,
		Metrics:        a.metrics,
		MetricsHandler: a.promHTTP,
	}
	if a.cfg.MCP.Enabled {
		scfg.MCP = mcp.NewServer(a.sessions, a.version).Handler()
		scfg.MCPPath = a.cfg.MCP.Path
	}
	srv, err := server.New(scfg)
	if err != nil {
		return err
	}
	a.handler = srv
	return nil
}

func routingFrom(r config.RoutingConfig) pipeline.Routing {
	return pipeline.Routing{
		TopK:           r.TopK,
		DistanceCutoff: r.DistanceCutoff,
		Threshold:      r.RerankThreshold,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Run serves HTTP on the configured address until ctx is cancelled. It then
// marks /readyz as draining and shuts the listener down gracefully. It
// returns nil after a clean shutdown.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-ctx.Done()
		a.health.Drain()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Reload applies the hot-reloadable differences between old and new: routing
// knobs, the rejection text and the log level. Everything else is logged as
// requiring a restart.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.RoutingChanged {
		a.pipeline.SetRouting(routingFrom(d.NewRouting))
		slog.Info("routing reloaded",
			"top_k", d.NewRouting.TopK,
			"distance_cutoff", d.NewRouting.DistanceCutoff,
			"rerank_threshold", d.NewRouting.RerankThreshold)
	}
	if d.PromptsChanged {
		a.pipeline.SetRejection(d.NewRejection)
		slog.Info("rejection text reloaded")
	}
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases what a failed New already acquired.
func (a *App) runClosers() {
	for _, c := range a.closers {
		_ = c()
	}
}
