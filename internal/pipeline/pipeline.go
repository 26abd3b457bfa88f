// Package pipeline runs one routed turn: retrieval, the rerank gate, request
// synthesis, dispatch, context update and the streamed summary.
//
// Each turn walks a fixed state machine:
//
//	Idle → Retrieving → Gating → Rejected
//	                           → Synthesizing → SynthesisFailed
//	                                          → Dispatching → ContextUpdating → Summarizing → Done
//
// Any state may also move to Failed when an external client is unavailable.
// A failed dispatch is not a failure of the turn: its outcome is folded into
// the conversation and summarized like any other response.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/toolrouter/internal/dispatch"
	"github.com/MrWong99/toolrouter/internal/gate"
	"github.com/MrWong99/toolrouter/internal/observe"
	"github.com/MrWong99/toolrouter/internal/retrieve"
	"github.com/MrWong99/toolrouter/internal/session"
	"github.com/MrWong99/toolrouter/internal/summarize"
	"github.com/MrWong99/toolrouter/internal/synth"
	"github.com/MrWong99/toolrouter/pkg/catalog"
	"github.com/MrWong99/toolrouter/pkg/types"
)

// DefaultRejection is the reply used when no endpoint passes the gate.
const DefaultRejection = "I don't have a capability for that."

// summaryReserve is the number of tokens kept free for the summary when a
// dispatch result is folded into the conversation.
const summaryReserve = 256

// ── Stage contracts ──────────────────────────────────────────────────────────

// Retriever finds catalog candidates for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int, cutoff float64) ([]catalog.Candidate, error)
}

// Gate reranks candidates and applies the acceptance threshold.
type Gate interface {
	Decide(ctx context.Context, query string, candidates []catalog.Candidate, threshold float64) (gate.Decision, error)
}

// Synthesizer builds a validated request for an accepted descriptor.
type Synthesizer interface {
	Synthesize(ctx context.Context, cm *session.ContextManager, d catalog.Descriptor) (*synth.Plan, error)
}

// Dispatcher executes a request and captures its outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, plan *synth.Plan) dispatch.Result
}

// Summarizer streams the final answer.
type Summarizer interface {
	Summarize(ctx context.Context, cm *session.ContextManager) (*summarize.Stream, error)
}

var (
	_ Retriever   = (*retrieve.Retriever)(nil)
	_ Gate        = (*gate.Gate)(nil)
	_ Synthesizer = (*synth.Synthesizer)(nil)
	_ Dispatcher  = (*dispatch.Dispatcher)(nil)
	_ Summarizer  = (*summarize.Summarizer)(nil)
)

// Stages bundles the stage implementations of a [Pipeline].
type Stages struct {
	Retriever   Retriever
	Gate        Gate
	Synthesizer Synthesizer
	Dispatcher  Dispatcher
	Summarizer  Summarizer
}

func (s Stages) validate() error {
	var errs []error
	if s.Retriever == nil {
		errs = append(errs, errors.New("retriever is required"))
	}
	if s.Gate == nil {
		errs = append(errs, errors.New("gate is required"))
	}
	if s.Synthesizer == nil {
		errs = append(errs, errors.New("synthesizer is required"))
	}
	if s.Dispatcher == nil {
		errs = append(errs, errors.New("dispatcher is required"))
	}
	if s.Summarizer == nil {
		errs = append(errs, errors.New("summarizer is required"))
	}
	return errors.Join(errs...)
}

// Routing holds the knobs that may change while the pipeline runs.
type Routing struct {
	// TopK is the number of catalog candidates retrieved per turn.
	TopK int

	// DistanceCutoff drops candidates farther than this cosine distance.
	// Zero disables the cutoff.
	DistanceCutoff float64

	// Threshold is the minimum rerank score of the top candidate.
	Threshold float64
}

// ── Pipeline ─────────────────────────────────────────────────────────────────

// Option is a functional option for [New].
type Option func(*Pipeline)

// WithMetrics records stage, gate, dispatch and turn metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithRejection overrides [DefaultRejection].
func WithRejection(text string) Option {
	return func(p *Pipeline) { p.SetRejection(text) }
}

// WithOnTransition registers fn to be called on every state change. fn runs
// synchronously on the turn's goroutine and must not block.
func WithOnTransition(fn func(Transition)) Option {
	return func(p *Pipeline) { p.onTransition = fn }
}

// Pipeline runs routed turns. It is safe for concurrent use; turns of the
// same conversation must be serialised by the caller.
type Pipeline struct {
	stages       Stages
	routing      atomic.Pointer[Routing]
	rejection    atomic.Pointer[string]
	metrics      *observe.Metrics
	onTransition func(Transition)
}

// New creates a Pipeline.
func New(stages Stages, routing Routing, opts ...Option) (*Pipeline, error) {
	if err := stages.validate(); err != nil {
		return nil, errors.Join(errors.New("pipeline: invalid stages"), err)
	}
	p := &Pipeline{
		stages:  stages,
		metrics: observe.DefaultMetrics(),
	}
	p.SetRejection(DefaultRejection)
	for _, o := range opts {
		o(p)
	}
	p.SetRouting(routing)
	return p, nil
}

// SetRouting replaces the routing knobs for subsequent turns.
func (p *Pipeline) SetRouting(r Routing) {
	if r.TopK <= 0 {
		r.TopK = 5
	}
	p.routing.Store(&r)
}

// SetRejection replaces the reply used for rejected turns. Empty text is
// ignored.
func (p *Pipeline) SetRejection(text string) {
	if text != "" {
		p.rejection.Store(&text)
	}
}

// Routing returns the routing knobs currently in effect.
func (p *Pipeline) Routing() Routing {
	return *p.routing.Load()
}

// Run executes one turn for query against the conversation in cm.
//
// On success the returned Turn is in state Rejected or Summarizing; in the
// latter case its Stream carries the summary and the turn reaches Done (or
// Failed) when the stream ends, see [Turn.Wait]. On failure Run returns the
// Turn together with an *[Error]; the conversation keeps only what was
// committed before the failing stage.
func (p *Pipeline) Run(ctx context.Context, cm *session.ContextManager, query string) (*Turn, error) {
	routing := p.Routing()
	t := newTurn(query)
	log := observe.Logger(ctx).With("turn", t.ID)

	evicted, err := cm.Append(types.NewMessage(types.RoleUser, query))
	if err != nil {
		return t, p.fail(ctx, t, classify(ctx, StateIdle, err))
	}
	p.metrics.RecordEvictions(ctx, evicted)

	// ── Retrieving ──
	p.move(t, StateRetrieving)
	err = p.stage(ctx, StateRetrieving, func(ctx context.Context) error {
		var err error
		t.Candidates, err = p.stages.Retriever.Retrieve(ctx, query, routing.TopK, routing.DistanceCutoff)
		return err
	})
	if err != nil {
		return t, p.fail(ctx, t, classify(ctx, StateRetrieving, err))
	}

	// ── Gating ──
	p.move(t, StateGating)
	err = p.stage(ctx, StateGating, func(ctx context.Context) error {
		var err error
		t.Decision, err = p.stages.Gate.Decide(ctx, query, t.Candidates, routing.Threshold)
		return err
	})
	if err != nil {
		return t, p.fail(ctx, t, classify(ctx, StateGating, err))
	}
	if len(t.Decision.Ranked) > 0 {
		decision := "accepted"
		if t.Decision.Accepted == nil {
			decision = "rejected"
		}
		p.metrics.RecordGateScore(ctx, t.Decision.TopScore(), decision)
	}

	if t.Decision.Accepted == nil {
		rejection := *p.rejection.Load()
		if _, err := cm.Append(types.NewMessage(types.RoleAssistant, rejection)); err != nil {
			return t, p.fail(ctx, t, classify(ctx, StateGating, err))
		}
		t.Stream = summarize.Static(rejection)
		p.move(t, StateRejected)
		p.finish(ctx, t, nil)
		log.Info("turn rejected", "reason", t.Decision.Reason, "candidates", len(t.Candidates), "top_score", t.Decision.TopScore())
		return t, nil
	}
	accepted := t.Decision.Accepted.Descriptor
	log.Debug("candidate accepted", "endpoint", accepted.Key(), "score", t.Decision.Accepted.Score)

	// ── Synthesizing ──
	p.move(t, StateSynthesizing)
	err = p.stage(ctx, StateSynthesizing, func(ctx context.Context) error {
		var err error
		t.Plan, err = p.stages.Synthesizer.Synthesize(ctx, cm, accepted)
		return err
	})
	if err != nil {
		e := classify(ctx, StateSynthesizing, err)
		if e.Kind == KindSynthesisFailed {
			e.State = StateSynthesisFailed
			p.move(t, StateSynthesisFailed)
			p.finish(ctx, t, e)
			log.Warn("synthesis failed", "endpoint", accepted.Key(), "err", err)
			return t, e
		}
		return t, p.fail(ctx, t, e)
	}

	// ── Dispatching ──
	p.move(t, StateDispatching)
	_ = p.stage(ctx, StateDispatching, func(ctx context.Context) error {
		res := p.stages.Dispatcher.Dispatch(ctx, t.Plan)
		t.Result = &res
		return res.Err
	})
	p.metrics.RecordDispatch(ctx, string(t.Result.Class), t.Plan.Request.Method)
	log.Info("request dispatched",
		"method", t.Plan.Request.Method,
		"path", t.Plan.Request.Path,
		"status", t.Result.StatusCode,
		"class", t.Result.Class,
		"duration", t.Result.Duration,
	)

	// ── ContextUpdating ──
	p.move(t, StateContextUpdating)
	// The result must fit next to this turn's query and request, with room
	// left for the summary.
	room := cm.Room(2)
	room -= min(summaryReserve, room/2)
	folded, cut := t.Result.MessageWithin(func(msg string) bool {
		return cm.Cost(types.NewMessage(types.RoleUser, msg)) <= room
	})
	if cut {
		log.Info("response shortened to fit the context budget", "body_bytes", len(t.Result.Body), "room_tokens", room)
	}
	evicted, err = cm.Append(types.NewMessage(types.RoleUser, folded))
	if err != nil {
		return t, p.fail(ctx, t, classify(ctx, StateContextUpdating, err))
	}
	evicted += cm.EvictIfOverBudget()
	p.metrics.RecordEvictions(ctx, evicted)

	// ── Summarizing ──
	p.move(t, StateSummarizing)
	stream, err := p.stages.Summarizer.Summarize(ctx, cm)
	if err != nil {
		return t, p.fail(ctx, t, classify(ctx, StateSummarizing, err))
	}
	t.Stream = stream

	start := time.Now()
	go func() {
		<-stream.Done()
		p.metrics.RecordStage(ctx, string(StateSummarizing), time.Since(start))
		if err := stream.Err(); err != nil {
			p.fail(ctx, t, classify(ctx, StateSummarizing, err))
			return
		}
		p.move(t, StateDone)
		p.finish(ctx, t, nil)
	}()
	return t, nil
}

// stage runs fn inside a span and records its latency.
func (p *Pipeline) stage(ctx context.Context, state State, fn func(context.Context) error) error {
	ctx, span := observe.StartSpan(ctx, "pipeline."+string(state))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	p.metrics.RecordStage(ctx, string(state), time.Since(start))
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (p *Pipeline) move(t *Turn, to State) {
	tr, ok := t.move(to)
	if !ok {
		// A programming error; the transition table and Run disagree.
		panic("pipeline: illegal transition " + string(tr.From) + " → " + string(to))
	}
	if p.onTransition != nil {
		p.onTransition(tr)
	}
}

// fail moves t to Failed and returns e.
func (p *Pipeline) fail(ctx context.Context, t *Turn, e *Error) *Error {
	p.move(t, StateFailed)
	p.finish(ctx, t, e)
	observe.Logger(ctx).Warn("turn failed", "turn", t.ID, "state", e.State, "kind", e.Kind, "client", e.Client, "err", e.Err)
	return e
}

func (p *Pipeline) finish(ctx context.Context, t *Turn, err *Error) {
	outcome := string(t.State())
	if err != nil && err.Kind != KindSynthesisFailed {
		outcome = string(err.Kind)
	}
	p.metrics.RecordTurn(ctx, outcome)
	t.finish(err)
}

// ── Turn ─────────────────────────────────────────────────────────────────────

// Turn is the record of one routed user message. Fields are populated as the
// corresponding stages complete.
type Turn struct {
	ID    string
	Query string

	Candidates []catalog.Candidate
	Decision   gate.Decision
	Plan       *synth.Plan
	Result     *dispatch.Result

	// Stream carries the reply: the summary, or the fixed rejection text.
	// It is nil when the turn failed before summarizing.
	Stream *summarize.Stream

	mu          sync.Mutex
	state       State
	transitions []Transition
	err         error
	done        chan struct{}
}

func newTurn(query string) *Turn {
	return &Turn{
		ID:    uuid.NewString(),
		Query: query,
		state: StateIdle,
		done:  make(chan struct{}),
	}
}

// State returns the current state.
func (t *Turn) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transitions returns the state changes so far in order.
func (t *Turn) Transitions() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Transition, len(t.transitions))
	copy(out, t.transitions)
	return out
}

// Done is closed when the turn reaches a terminal state.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the turn is terminal or ctx is done. It returns the
// turn's *Error, nil for Done and Rejected.
func (t *Turn) Wait(ctx context.Context) error {
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Turn) move(to State) (Transition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr := Transition{TurnID: t.ID, From: t.state, To: to, At: time.Now()}
	if !CanTransition(t.state, to) {
		return tr, false
	}
	t.state = to
	t.transitions = append(t.transitions, tr)
	return tr, true
}

func (t *Turn) finish(err *Error) {
	t.mu.Lock()
	if err != nil {
		t.err = err
	}
	t.mu.Unlock()
	close(t.done)
}
