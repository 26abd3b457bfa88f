package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/toolrouter/internal/observe"
	"github.com/MrWong99/toolrouter/internal/pipeline"
)

// WebSocket message types.
const (
	wsMessage = "message" // client: run a turn
	wsCancel  = "cancel"  // client: cancel the running turn
	wsChunk   = "chunk"   // server: reply fragment
	wsDone    = "done"    // server: turn finished
	wsError   = "error"   // server: turn or protocol failure
)

type wsClientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type wsServerMessage struct {
	Type    string `json:"type"`
	TurnID  string `json:"turn_id,omitempty"`
	Content string `json:"content,omitempty"`
	State   string `json:"state,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Client  string `json:"client,omitempty"`
}

// handleWebSocket serves turns over one connection. At most one turn runs at
// a time; a "cancel" message stops it, discarding the partial reply.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	log := observe.Logger(ctx).With("session", id)

	var (
		mu     sync.Mutex
		cancel context.CancelFunc
		turns  sync.WaitGroup
	)
	stop := func() {
		mu.Lock()
		defer mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}

	for {
		var msg wsClientMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
				log.Debug("websocket read failed", "err", err)
			}
			break
		}

		switch msg.Type {
		case wsCancel:
			stop()

		case wsMessage:
			mu.Lock()
			busy := cancel != nil
			if !busy {
				var turnCtx context.Context
				turnCtx, cancel = context.WithCancel(ctx)
				turns.Add(1)
				go func(turnCtx context.Context, query string) {
					defer turns.Done()
					s.streamTurn(ctx, turnCtx, conn, id, query)
					mu.Lock()
					cancel()
					cancel = nil
					mu.Unlock()
				}(turnCtx, msg.Content)
			}
			mu.Unlock()
			if busy {
				_ = wsjson.Write(ctx, conn, wsServerMessage{Type: wsError, Error: "a turn is already running"})
			}

		default:
			_ = wsjson.Write(ctx, conn, wsServerMessage{Type: wsError, Error: "unknown message type " + msg.Type})
		}
	}

	stop()
	turns.Wait()
	conn.Close(websocket.StatusNormalClosure, "")
}

// streamTurn runs one turn under turnCtx and writes its output on conn using
// connCtx, so that a cancelled turn can still report the cancellation.
func (s *Server) streamTurn(connCtx, turnCtx context.Context, conn *websocket.Conn, id, query string) {
	turn, err := s.chats.Chat(turnCtx, id, query)
	if err != nil && (turn == nil || turn.Stream == nil) {
		_ = wsjson.Write(connCtx, conn, wsErrorMessage(turn, err))
		return
	}

	for chunk := range turn.Stream.Chunks() {
		if err := wsjson.Write(connCtx, conn, wsServerMessage{Type: wsChunk, TurnID: turn.ID, Content: chunk}); err != nil {
			turn.Stream.Cancel()
		}
	}

	<-turn.Done()
	if err := turn.Wait(connCtx); err != nil {
		_ = wsjson.Write(connCtx, conn, wsErrorMessage(turn, err))
		return
	}
	_ = wsjson.Write(connCtx, conn, wsServerMessage{Type: wsDone, TurnID: turn.ID, State: string(turn.State())})
}

func wsErrorMessage(turn *pipeline.Turn, err error) wsServerMessage {
	body := errorFor(err)
	msg := wsServerMessage{Type: wsError, Error: body.Error, Kind: body.Kind, Client: body.Client}
	if turn != nil {
		msg.TurnID = turn.ID
	}
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		msg.State = string(pe.State)
	}
	return msg
}
