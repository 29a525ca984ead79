package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/mcp-sse-relay/internal/engine"
	"github.com/ggoodman/mcp-sse-relay/mcp"
)

// EchoArgs is the input of the echo tool.
type EchoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to send back"`
}

type SessionInfoArgs struct{}

func newServer(cfg Config, log *slog.Logger) *engine.Server {
	echo := engine.NewTool("echo", func(ctx context.Context, a EchoArgs) (*mcp.CallToolResult, error) {
		return engine.TextResult(a.Message), nil
	}, engine.WithToolDescription("Echo a message back to the caller"))

	info := engine.NewTool("session_info", func(ctx context.Context, _ SessionInfoArgs) (*mcp.CallToolResult, error) {
		sess, ok := engine.SessionFromContext(ctx)
		if !ok {
			return engine.Errorf("no session bound to this call"), nil
		}
		client := sess.ClientInfo()
		return engine.TextResult(fmt.Sprintf("session=%s protocol=%s client=%s/%s",
			sess.ID(), sess.ProtocolVersion(), client.Name, client.Version)), nil
	}, engine.WithToolDescription("Describe the session handling this call"))

	return engine.NewServer(
		mcp.ImplementationInfo{Name: cfg.ServerName, Version: cfg.ServerVersion},
		engine.WithTools(echo, info),
		engine.WithInstructions("Relays MCP over SSE across instances. Try the echo tool."),
		engine.WithLogger(log),
	)
}
