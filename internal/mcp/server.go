// Package mcp exposes the routing pipeline as a Model Context Protocol tool so
// that agents can hand a natural-language request to toolrouter and get the
// summarised outcome back.
//
// The server offers a single tool, route_request. Each call runs one turn on
// the given session (a new session when none is named) and returns the reply
// text together with the dispatched request, if any.
package mcp

import (
	"context"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/toolrouter/internal/observe"
	"github.com/MrWong99/toolrouter/internal/pipeline"
	"github.com/MrWong99/toolrouter/internal/session"
)

// ToolName is the name under which the routing tool is registered.
const ToolName = "route_request"

// Chats is the subset of the conversation surface the tool drives.
type Chats interface {
	Create() (session.Info, error)
	Chat(ctx context.Context, id, query string) (*pipeline.Turn, error)
}

// RouteInput is the argument object of route_request.
type RouteInput struct {
	Message   string `json:"message" jsonschema:"the natural-language request to route"`
	SessionID string `json:"session_id,omitempty" jsonschema:"continue this conversation; omit to start a new one"`
}

// RouteOutput is the structured result of route_request.
type RouteOutput struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	State     string `json:"state"`
	Reply     string `json:"reply"`

	// Endpoint is "METHOD /path" of the dispatched request; empty when the
	// request was rejected.
	Endpoint string `json:"endpoint,omitempty"`
	Status   int    `json:"status,omitempty"`
}

// Server wraps an MCP server exposing route_request.
type Server struct {
	chats Chats
	srv   *mcpsdk.Server
}

// NewServer creates the MCP server. version is reported to clients.
func NewServer(chats Chats, version string) *Server {
	s := &Server{
		chats: chats,
		srv:   mcpsdk.NewServer(&mcpsdk.Implementation{Name: "toolrouter", Version: version}, nil),
	}
	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{
		Name: ToolName,
		Description: "Route a natural-language request to the matching HTTP endpoint of the " +
			"configured API, call it and return a short summary of the outcome. Requests that " +
			"match no endpoint are declined.",
	}, s.route)
	return s
}

// SDK returns the underlying server, e.g. to connect it to a custom transport.
func (s *Server) SDK() *mcpsdk.Server { return s.srv }

// Handler returns a streamable HTTP handler serving the MCP endpoint.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server { return s.srv }, nil)
}

func (s *Server) route(ctx context.Context, _ *mcpsdk.CallToolRequest, in RouteInput) (*mcpsdk.CallToolResult, RouteOutput, error) {
	if strings.TrimSpace(in.Message) == "" {
		return toolError("message must not be empty"), RouteOutput{}, nil
	}

	id := in.SessionID
	if id == "" {
		info, err := s.chats.Create()
		if err != nil {
			return toolError("create session: " + err.Error()), RouteOutput{}, nil
		}
		id = info.ID
	}

	turn, err := s.chats.Chat(ctx, id, in.Message)
	if err != nil && (turn == nil || turn.Stream == nil) {
		return toolError(err.Error()), RouteOutput{SessionID: id}, nil
	}

	var reply strings.Builder
	for chunk := range turn.Stream.Chunks() {
		reply.WriteString(chunk)
	}
	if err := turn.Wait(ctx); err != nil {
		return toolError(err.Error()), RouteOutput{SessionID: id, TurnID: turn.ID}, nil
	}

	out := RouteOutput{
		SessionID: id,
		TurnID:    turn.ID,
		State:     string(turn.State()),
		Reply:     reply.String(),
	}
	if turn.Plan != nil {
		out.Endpoint = turn.Plan.Request.Method + " " + turn.Plan.Request.Path
	}
	if turn.Result != nil {
		out.Status = turn.Result.StatusCode
	}
	observe.Logger(ctx).Debug("mcp route_request served", "session", id, "turn", turn.ID, "state", out.State)

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: out.Reply}},
	}, out, nil
}

func toolError(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
		IsError: true,
	}
}
