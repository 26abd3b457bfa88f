package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrNotFound is returned when a session ID is unknown or has expired.
var ErrNotFound = errors.New("session: not found")

// ErrInvalidID is returned by [Registry.GetOrCreate] for an ID that is not a
// UUID.
var ErrInvalidID = errors.New("session: invalid id")

// Session is one conversation: its context plus a turn lock that serialises
// pipeline runs.
type Session struct {
	ID        string
	CreatedAt time.Time
	Context   *ContextManager

	turn chan struct{}
}

// Acquire blocks until no other turn is running on s or ctx is done. The
// returned release func must be called exactly once.
func (s *Session) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case s.turn <- struct{}{}:
		return func() { <-s.turn }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Info is a point-in-time summary of a session.
type Info struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Messages  int       `json:"messages"`
	Tokens    int       `json:"tokens"`
	Budget    int       `json:"budget"`
}

// Info summarises s.
func (s *Session) Info() Info {
	return Info{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		Messages:  s.Context.Len(),
		Tokens:    s.Context.TokenCost(),
		Budget:    s.Context.Budget(),
	}
}

// RegistryConfig configures a [Registry].
type RegistryConfig struct {
	// MaxSessions bounds the number of live sessions. The least recently
	// used session is dropped when the bound is reached. Defaults to 1024.
	MaxSessions int

	// TTL expires sessions that have not been touched for this long. Zero
	// disables expiry.
	TTL time.Duration

	// NewContext builds the context for a new session. Must not be nil.
	NewContext func() (*ContextManager, error)

	// OnEvict, if set, is called when a session leaves the registry for any
	// reason (expiry, capacity, Delete).
	OnEvict func(id string)
}

// Registry tracks live sessions. All methods are safe for concurrent use.
type Registry struct {
	mu         sync.Mutex // serialises creation
	sessions   *expirable.LRU[string, *Session]
	newContext func() (*ContextManager, error)
}

// NewRegistry creates a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.NewContext == nil {
		return nil, errors.New("session: registry: NewContext must not be nil")
	}
	size := cfg.MaxSessions
	if size <= 0 {
		size = 1024
	}
	var onEvict func(string, *Session)
	if cfg.OnEvict != nil {
		onEvict = func(id string, _ *Session) { cfg.OnEvict(id) }
	}
	return &Registry{
		sessions:   expirable.NewLRU[string, *Session](size, onEvict, cfg.TTL),
		newContext: cfg.NewContext,
	}, nil
}

// Create starts a new session with a random ID.
func (r *Registry) Create() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.create(uuid.NewString())
}

// Get returns the session with the given ID and refreshes its expiry.
func (r *Registry) Get(id string) (*Session, error) {
	s, ok := r.sessions.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// GetOrCreate returns the session with id, creating it if absent. id must be
// a UUID so that clients cannot squat on arbitrary keys.
func (r *Registry) GetOrCreate(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions.Get(id); ok {
		return s, nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidID, id, err)
	}
	return r.create(id)
}

// Delete removes a session. It reports whether the session existed.
func (r *Registry) Delete(id string) bool {
	return r.sessions.Remove(id)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

func (r *Registry) create(id string) (*Session, error) {
	cm, err := r.newContext()
	if err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}
	s := &Session{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Context:   cm,
		turn:      make(chan struct{}, 1),
	}
	r.sessions.Add(id, s)
	return s, nil
}
