package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/toolrouter/internal/observe"
	"github.com/MrWong99/toolrouter/internal/pipeline"
	"github.com/MrWong99/toolrouter/internal/server"
	"github.com/MrWong99/toolrouter/internal/session"
	"github.com/MrWong99/toolrouter/pkg/types"
)

// Compile-time check: SessionManager serves the HTTP handlers.
var _ server.Chats = (*SessionManager)(nil)

// Runner executes one routed turn against a conversation.
type Runner interface {
	Run(ctx context.Context, cm *session.ContextManager, query string) (*pipeline.Turn, error)
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Pipeline Runner

	// Preamble is the system message every conversation starts with.
	Preamble string

	// Budget is the token budget of every conversation.
	Budget int

	// Tokenizer selects the cost function, see [session.CostFor].
	Tokenizer string

	Registry session.RegistryConfig
	Metrics  *observe.Metrics
}

// SessionManager owns the live conversations and runs turns on them. Turns of
// one session are serialised: a second Chat on the same session waits until
// the previous turn reaches a terminal state.
//
// All methods are safe for concurrent use.
type SessionManager struct {
	pipeline Runner
	registry *session.Registry
	metrics  *observe.Metrics
}

// NewSessionManager creates a SessionManager. It fails with
// [session.ErrBudgetBelowPreamble] when the preamble alone exceeds the budget.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("app: session manager: pipeline must not be nil")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	sm := &SessionManager{pipeline: cfg.Pipeline, metrics: cfg.Metrics}

	cost := session.CostFor(cfg.Tokenizer)
	if _, err := session.NewContextManager(cfg.Preamble, cfg.Budget, cost); err != nil {
		return nil, fmt.Errorf("app: session manager: %w", err)
	}
	rc := cfg.Registry
	rc.NewContext = func() (*session.ContextManager, error) {
		cm, err := session.NewContextManager(cfg.Preamble, cfg.Budget, cost)
		if err != nil {
			return nil, err
		}
		sm.metrics.ActiveSessions.Add(context.Background(), 1)
		return cm, nil
	}
	onEvict := cfg.Registry.OnEvict
	rc.OnEvict = func(id string) {
		sm.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Debug("session closed", "session", id)
		if onEvict != nil {
			onEvict(id)
		}
	}

	reg, err := session.NewRegistry(rc)
	if err != nil {
		return nil, fmt.Errorf("app: session manager: %w", err)
	}
	sm.registry = reg
	return sm, nil
}

// Create starts a new conversation.
func (sm *SessionManager) Create() (session.Info, error) {
	s, err := sm.registry.Create()
	if err != nil {
		return session.Info{}, err
	}
	slog.Info("session created", "session", s.ID)
	return s.Info(), nil
}

// Info describes the session with the given ID.
func (sm *SessionManager) Info(id string) (session.Info, error) {
	s, err := sm.registry.Get(id)
	if err != nil {
		return session.Info{}, err
	}
	return s.Info(), nil
}

// History returns the conversation of the session with the given ID, system
// message first.
func (sm *SessionManager) History(id string) ([]types.Message, error) {
	s, err := sm.registry.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Context.Snapshot(), nil
}

// Delete drops a session. A turn in flight keeps running on its own copy of
// the session.
func (sm *SessionManager) Delete(id string) bool {
	return sm.registry.Delete(id)
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int { return sm.registry.Len() }

// Chat runs one turn on the session with the given ID. An unknown ID that is
// a UUID starts a new session under that ID.
//
// The session stays locked until the returned turn is terminal, which for a
// summarised turn is when its stream ends. Cancelling ctx cancels the stream.
func (sm *SessionManager) Chat(ctx context.Context, id, query string) (*pipeline.Turn, error) {
	s, err := sm.registry.GetOrCreate(id)
	if err != nil {
		return nil, err
	}
	release, err := s.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: session %s busy: %w", id, err)
	}

	ctx = observe.WithSession(ctx, id)
	observe.Logger(ctx).Debug("turn started")
	turn, err := sm.pipeline.Run(ctx, s.Context, query)
	if turn == nil {
		release()
		return nil, err
	}
	go func() {
		<-turn.Done()
		release()
	}()
	return turn, err
}
