// Package health serves the liveness and readiness probes of the router.
//
// GET /healthz answers 200 while the process serves HTTP. GET /readyz runs
// every registered [Checker] concurrently and answers 200 only if all pass
// and the server is not draining. Both respond with a JSON object holding a
// "status" field and, for /readyz, a "checks" map of per-checker results.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/toolrouter/internal/resilience"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Status values of a probe response.
const (
	StatusOK       = "ok"
	StatusFail     = "fail"
	StatusDraining = "draining"
)

// Checker is a named readiness check.
type Checker struct {
	// Name keys the result in the "checks" map, e.g. "catalog".
	Name string

	// Check returns nil while the dependency is usable. It must return once
	// ctx is done.
	Check func(ctx context.Context) error
}

// Report is the body of a probe response.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New creates a [Handler] for a fixed set of checkers.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// Drain makes every later /readyz answer 503 so load balancers stop sending
// new conversations while in-flight turns finish. It cannot be undone.
func (h *Handler) Drain() {
	if !h.draining.Swap(true) {
		slog.Info("readiness: draining")
	}
}

// Check runs all checkers concurrently, each with its own [checkTimeout]
// deadline, and reports the combined result.
func (h *Handler) Check(ctx context.Context) Report {
	var (
		mu     sync.Mutex
		failed bool
		checks = make(map[string]string, len(h.checkers))
	)
	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			res := StatusOK
			if err := c.Check(cctx); err != nil {
				res = StatusFail + ": " + err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			checks[c.Name] = res
			failed = failed || res != StatusOK
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Checks: checks}
	if failed {
		rep.Status = StatusFail
	}
	return rep
}

// Healthz answers 200 unconditionally.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz answers 200 with the checker results if all pass, 503 otherwise.
// A draining handler answers 503 without running the checkers.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, Report{Status: StatusDraining})
		return
	}
	rep := h.Check(r.Context())
	code := http.StatusOK
	if rep.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register mounts GET /healthz and GET /readyz on r.
func (h *Handler) Register(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
}

// Ping turns a ping function, such as the catalog store's, into a [Checker].
func Ping(name string, ping func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: ping}
}

// Breakers returns a [Checker] for a client behind a failover group. It fails
// only when every breaker is open, meaning no backend is left to fail over to.
func Breakers(name string, states func() []resilience.BreakerStatus) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		all := states()
		if len(all) == 0 {
			return nil
		}
		open := make([]string, 0, len(all))
		for _, s := range all {
			if s.State != resilience.StateOpen {
				return nil
			}
			open = append(open, s.Name)
		}
		return fmt.Errorf("all circuits open: %s", strings.Join(open, ", "))
	}}
}

func writeJSON(w http.ResponseWriter, code int, rep Report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(rep)
}
