// Package summarize streams a natural-language answer for the latest
// dispatch result and commits it to the conversation only when the stream
// completes cleanly.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/toolrouter/internal/session"
	"github.com/MrWong99/toolrouter/pkg/provider/llm"
	"github.com/MrWong99/toolrouter/pkg/types"
)

// DefaultPrompt is the system instruction used for summaries.
const DefaultPrompt = "Your job is to concisely summarizes the HTTP response the user provides. " +
	"If the response indicates an error, describe the error in detail, apologize, " +
	"and then ask the user to try again."

var (
	// ErrGenerationUnavailable is returned when the stream cannot be opened or
	// fails mid-way.
	ErrGenerationUnavailable = errors.New("summarize: generation unavailable")

	// ErrCancelled is reported by [Stream.Err] when the stream was cancelled
	// before it completed.
	ErrCancelled = errors.New("summarize: cancelled")
)

// Config tunes a [Summarizer].
type Config struct {
	// Prompt is the summary instruction sent after the conversation preamble.
	// Empty selects DefaultPrompt.
	Prompt string

	// Timeout bounds the whole stream. Zero means no timeout beyond ctx.
	Timeout time.Duration

	Temperature float64
	MaxTokens   int
}

// Summarizer produces streamed summaries.
type Summarizer struct {
	llm llm.Provider
	cfg Config
}

// New creates a Summarizer backed by provider.
func New(provider llm.Provider, cfg Config) *Summarizer {
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	return &Summarizer{llm: provider, cfg: cfg}
}

// Summarize opens a generation stream over the conversation in cm and returns
// a [Stream] forwarding its text. When the stream ends cleanly the full text
// is appended to cm as one assistant message. When it is cancelled or fails,
// cm is left untouched.
func (s *Summarizer) Summarize(ctx context.Context, cm *session.ContextManager) (*Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	if s.cfg.Timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, s.cfg.Timeout)
		prev := cancel
		cancel = func() { tcancel(); prev() }
	}

	history := cm.Snapshot()
	upstream, err := s.llm.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:     history[1:],
		SystemPrompt: llm.JoinPrompts(history[0].Content, s.cfg.Prompt),
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrGenerationUnavailable, err)
	}

	st := newStream(cancel)
	go st.pump(ctx, upstream, cm)
	return st, nil
}

// Stream is an in-flight summary. Consumers read Chunks until it is closed and
// then inspect Err.
type Stream struct {
	chunks chan string
	done   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	text      strings.Builder
	err       error
	committed bool
}

func newStream(cancel context.CancelFunc) *Stream {
	return &Stream{
		chunks: make(chan string),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Static returns an already-complete stream that yields text once. Nothing is
// committed by it. The text stays readable from Chunks whether or not anyone
// ever reads it.
func Static(text string) *Stream {
	st := newStream(func() {})
	st.chunks = make(chan string, 1)
	st.text.WriteString(text)
	st.chunks <- text
	close(st.chunks)
	close(st.done)
	return st
}

// Chunks returns the channel of text fragments. It is closed when the stream
// ends for any reason.
func (st *Stream) Chunks() <-chan string { return st.chunks }

// Cancel stops the stream. Pending chunks are dropped and nothing is
// committed. Safe to call more than once and after completion.
func (st *Stream) Cancel() { st.cancel() }

// Done is closed once the stream has finished and any commit happened.
func (st *Stream) Done() <-chan struct{} { return st.done }

// Err blocks until the stream has finished and reports why it ended early:
// nil on clean completion, an error wrapping [ErrCancelled] or
// [ErrGenerationUnavailable] otherwise.
func (st *Stream) Err() error {
	<-st.done
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Text returns the text received so far.
func (st *Stream) Text() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.text.String()
}

// Committed reports whether the summary was appended to the conversation.
func (st *Stream) Committed() bool {
	<-st.done
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.committed
}

func (st *Stream) pump(ctx context.Context, upstream <-chan llm.Chunk, cm *session.ContextManager) {
	defer close(st.done)
	defer st.cancel()

	err := st.forward(ctx, upstream)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
		}
		st.finish(err, false)
		close(st.chunks)
		return
	}

	if _, err := cm.Append(types.NewMessage(types.RoleAssistant, st.Text())); err != nil {
		st.finish(fmt.Errorf("summarize: commit: %w", err), false)
	} else {
		st.finish(nil, true)
	}
	close(st.chunks)
}

// forward relays upstream chunks until the upstream closes, reports an error
// or ctx ends.
func (st *Stream) forward(ctx context.Context, upstream <-chan llm.Chunk) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-upstream:
			if !ok {
				return nil
			}
			if c.FinishReason == llm.FinishReasonError {
				return fmt.Errorf("%w: %s", ErrGenerationUnavailable, c.Text)
			}
			if c.Text == "" {
				continue
			}
			st.mu.Lock()
			st.text.WriteString(c.Text)
			st.mu.Unlock()
			select {
			case st.chunks <- c.Text:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (st *Stream) finish(err error, committed bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.err = err
	st.committed = committed
}
