// Package server exposes routed chat over HTTP.
//
// Routes:
//
//	POST   /v1/sessions                 create a session
//	GET    /v1/sessions/{id}            session info
//	GET    /v1/sessions/{id}/messages   conversation so far
//	DELETE /v1/sessions/{id}            drop a session
//	POST   /v1/sessions/{id}/chat       one turn, streamed as server-sent events
//	GET    /v1/sessions/{id}/ws         turns over a WebSocket, with cancel
//	GET    /healthz, /readyz, /metrics
//
// The MCP endpoint is mounted at its configured path when provided.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/toolrouter/internal/health"
	"github.com/MrWong99/toolrouter/internal/observe"
	"github.com/MrWong99/toolrouter/internal/pipeline"
	"github.com/MrWong99/toolrouter/internal/session"
	"github.com/MrWong99/toolrouter/pkg/types"
)

// maxChatBody bounds the JSON body of a chat request.
const maxChatBody = 64 << 10

// Chats is the conversation surface driven by the handlers.
type Chats interface {
	Create() (session.Info, error)
	Info(id string) (session.Info, error)
	History(id string) ([]types.Message, error)
	Delete(id string) bool

	// Chat runs one turn on session id, creating the session if needed. The
	// returned turn's stream stops when ctx is done.
	Chat(ctx context.Context, id, query string) (*pipeline.Turn, error)
}

// Config wires the handlers to the rest of the application.
type Config struct {
	Chats   Chats
	Health  *health.Handler
	Metrics *observe.Metrics

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler

	// MCP is mounted at MCPPath when set.
	MCP     http.Handler
	MCPPath string
}

// Server is the HTTP front end.
type Server struct {
	chats  Chats
	router chi.Router
}

// New builds the router.
func New(cfg Config) (*Server, error) {
	if cfg.Chats == nil {
		return nil, errors.New("server: chats must not be nil")
	}
	if cfg.Health == nil {
		cfg.Health = health.New()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Server{chats: cfg.Chats}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(cfg.Metrics))

	cfg.Health.Register(r)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleInfo)
			r.Delete("/", s.handleDelete)
			r.Get("/messages", s.handleHistory)
			r.Post("/chat", s.handleChat)
			r.Get("/ws", s.handleWebSocket)
		})
	})

	if cfg.MCP != nil {
		path := cfg.MCPPath
		if path == "" {
			path = "/mcp"
		}
		r.Handle(path, cfg.MCP)
		r.Handle(path+"/*", cfg.MCP)
	}

	s.router = r
	return s, nil
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ── Session handlers ─────────────────────────────────────────────────────────

func (s *Server) handleCreate(w http.ResponseWriter, _ *http.Request) {
	info, err := s.chats.Create()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.chats.Info(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.chats.History(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.chats.Delete(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, session.ErrNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

type errorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Client string `json:"client,omitempty"`
}

func errorFor(err error) errorBody {
	body := errorBody{Error: err.Error()}
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		body.Kind = string(pe.Kind)
		body.Client = pe.Client
	}
	return body
}

// statusFor maps errors from Chats to HTTP status codes.
func statusFor(err error) int {
	var pe *pipeline.Error
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidID):
		return http.StatusBadRequest
	case errors.As(err, &pe):
		switch pe.Kind {
		case pipeline.KindClientUnavailable:
			return http.StatusBadGateway
		case pipeline.KindSynthesisFailed:
			return http.StatusUnprocessableEntity
		case pipeline.KindCancelled:
			return http.StatusRequestTimeout
		}
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
