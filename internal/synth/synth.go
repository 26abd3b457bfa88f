// Package synth turns an accepted endpoint descriptor plus the conversation so
// far into a concrete, schema-valid HTTP request.
//
// A [Synthesizer] asks the generation backend for a JSON document matching the
// request envelope of the descriptor (see [Envelope]), validates what comes
// back and retries a bounded number of times when the output cannot be parsed
// or does not validate. Only a valid request is ever returned; on success its
// canonical JSON is appended to the conversation as an assistant message.
package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/MrWong99/toolrouter/internal/session"
	"github.com/MrWong99/toolrouter/pkg/catalog"
	"github.com/MrWong99/toolrouter/pkg/provider/llm"
	"github.com/MrWong99/toolrouter/pkg/types"
)

// DefaultSystemPrompt instructs the model to produce the request document.
const DefaultSystemPrompt = "Your job is to construct an HTTP request. Respond concisely in JSON format."

const (
	defaultAttempts = 3
	defaultBackoff  = 100 * time.Millisecond
)

var (
	// ErrGenerationUnavailable is returned when the generation backend could
	// not be reached or returned an error. It is not retried.
	ErrGenerationUnavailable = errors.New("synth: generation unavailable")

	// ErrSynthesisFailed is returned when every attempt produced output that
	// could not be parsed or failed validation.
	ErrSynthesisFailed = errors.New("synth: synthesis failed")
)

// Attempt outcomes passed to [Config.OnAttempt].
const (
	AttemptOK      = "ok"
	AttemptInvalid = "invalid"
	AttemptError   = "error"
)

// Plan is a validated request ready for dispatch.
type Plan struct {
	Descriptor catalog.Descriptor
	Request    Request
}

// Config tunes a [Synthesizer]. The zero value is usable.
type Config struct {
	// SystemPrompt is the task instruction sent after the conversation
	// preamble. Empty selects DefaultSystemPrompt.
	SystemPrompt string

	// Attempts is the total number of generation attempts. Values < 1 select 3.
	Attempts int

	// Backoff is the constant delay between attempts. Zero selects 100ms.
	Backoff time.Duration

	// Timeout bounds each generation call. Zero means no per-call timeout.
	Timeout time.Duration

	Temperature float64

	// Validator checks decoded payloads. Nil selects a [SchemaValidator].
	Validator Validator

	// OnAttempt, if set, is called after every attempt with one of
	// AttemptOK, AttemptInvalid or AttemptError.
	OnAttempt func(result string)
}

// Synthesizer builds requests with a generation backend. It is safe for
// concurrent use.
type Synthesizer struct {
	llm llm.Provider
	cfg Config
}

// New creates a Synthesizer using provider for generation.
func New(provider llm.Provider, cfg Config) *Synthesizer {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = defaultAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.Validator == nil {
		cfg.Validator = NewSchemaValidator(0)
	}
	return &Synthesizer{llm: provider, cfg: cfg}
}

// Synthesize generates a request for d from the conversation held by cm.
//
// The returned error wraps [ErrGenerationUnavailable] when the backend fails
// and [ErrSynthesisFailed] when the attempts are exhausted. Nothing is
// appended to cm unless a valid plan is returned.
func (s *Synthesizer) Synthesize(ctx context.Context, cm *session.ContextManager, d catalog.Descriptor) (*Plan, error) {
	schema, err := Envelope(d)
	if err != nil {
		return nil, err
	}

	// The preamble travels as system prompt, followed by the task.
	history := cm.Snapshot()
	req := llm.CompletionRequest{
		Messages:     history[1:],
		SystemPrompt: llm.JoinPrompts(history[0].Content, s.cfg.SystemPrompt),
		ResponseSchema: &llm.ResponseSchema{
			Name:        "request",
			Description: "HTTP request for " + d.Key(),
			Schema:      schema,
		},
		Temperature: s.cfg.Temperature,
	}

	var (
		plan    *Plan
		lastErr error
		tries   int
	)
	backoff := retry.WithMaxRetries(uint64(s.cfg.Attempts-1), retry.NewConstant(s.cfg.Backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		tries++
		p, err := s.attempt(ctx, req, d)
		switch {
		case err == nil:
			s.report(AttemptOK)
			plan = p
			return nil
		case errors.Is(err, ErrGenerationUnavailable):
			s.report(AttemptError)
			return err
		default:
			s.report(AttemptInvalid)
			lastErr = err
			slog.Debug("synth: attempt rejected", "endpoint", d.Key(), "attempt", tries, "err", err)
			return retry.RetryableError(err)
		}
	})
	if err != nil {
		if errors.Is(err, ErrGenerationUnavailable) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("synth: synthesize %s: %w", d.Key(), ctxErr)
		}
		return nil, fmt.Errorf("%w for %s after %d attempts: %w", ErrSynthesisFailed, d.Key(), tries, lastErr)
	}

	canonical, err := json.Marshal(plan.Request)
	if err != nil {
		return nil, fmt.Errorf("synth: encode request: %w", err)
	}
	if _, err := cm.Append(types.NewMessage(types.RoleAssistant, string(canonical))); err != nil {
		return nil, fmt.Errorf("synth: append request: %w", err)
	}
	return plan, nil
}

// attempt runs one generation call and validates its output.
func (s *Synthesizer) attempt(ctx context.Context, req llm.CompletionRequest, d catalog.Descriptor) (*Plan, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	resp, err := s.llm.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", ErrGenerationUnavailable)
	}

	raw, err := ExtractJSON(resp.Content)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode model output: %w", err)
	}
	if err := s.cfg.Validator.Validate(d, doc); err != nil {
		return nil, err
	}

	var r Request
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if r.Params == nil {
		r.Params = map[string]any{}
	}
	if r.Body == nil {
		r.Body = map[string]any{}
	}
	return &Plan{Descriptor: d, Request: r}, nil
}

func (s *Synthesizer) report(result string) {
	if s.cfg.OnAttempt != nil {
		s.cfg.OnAttempt(result)
	}
}
