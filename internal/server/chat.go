package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/toolrouter/internal/observe"
)

// sseDone terminates every event stream.
const sseDone = "[DONE]"

type chatRequest struct {
	Message string `json:"message"`
}

type chunkEvent struct {
	Content string `json:"content"`
}

// handleChat runs one turn and streams the reply as server-sent events:
//
//	data: {"content":"..."}             one per chunk
//	data: {"error":"...","kind":"..."}  when the turn fails
//	data: [DONE]
//
// Failures detected before the first byte is written get a plain JSON error
// response instead. A client that disconnects cancels the turn.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxChatBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, errors.New("message must not be empty"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	ctx := r.Context()
	turn, err := s.chats.Chat(ctx, id, req.Message)
	if err != nil && (turn == nil || turn.Stream == nil) {
		writeError(w, statusFor(err), err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Turn-ID", turn.ID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range turn.Stream.Chunks() {
		if err := writeEvent(w, chunkEvent{Content: chunk}); err != nil {
			turn.Stream.Cancel()
			break
		}
		flusher.Flush()
	}

	if err := turn.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		observe.Logger(ctx).Debug("chat turn failed", "session", id, "turn", turn.ID, "err", err)
		_ = writeEvent(w, errorFor(err))
	}
	_, _ = fmt.Fprintf(w, "data: %s\n\n", sseDone)
	flusher.Flush()
}

func writeEvent(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
