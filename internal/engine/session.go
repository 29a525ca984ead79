package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-sse-relay/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-relay/internal/logctx"
	"github.com/ggoodman/mcp-sse-relay/mcp"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

// Session is one client conversation bound to an event stream.
type Session struct {
	id          string
	srv         *Server
	messagePath string

	mu     sync.Mutex
	w      EventWriter
	closed bool

	protocolVersion string
	clientInfo      mcp.ImplementationInfo
	initialized     bool
}

// ID returns the session id clients put in the sessionId query parameter.
func (s *Session) ID() string { return s.id }

// Endpoint is the URL advertised to the client for control messages.
func (s *Session) Endpoint() string {
	return s.messagePath + "?sessionId=" + url.QueryEscape(s.id)
}

// ProtocolVersion returns the negotiated protocol version, or "" before
// initialize.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ClientInfo returns the client implementation reported at initialize.
func (s *Session) ClientInfo() mcp.ImplementationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// Initialized reports whether the client sent notifications/initialized.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Connect binds the session to w and writes the endpoint event.
func (s *Session) Connect(w EventWriter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotConnected
	}
	if s.w != nil {
		return ErrAlreadyConnected
	}
	if err := w.WriteEvent("endpoint", []byte(s.Endpoint())); err != nil {
		return fmt.Errorf("write endpoint event: %w", err)
	}
	s.w = w
	return nil
}

// Close detaches the stream. Subsequent messages are rejected.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.w = nil
	s.mu.Unlock()
}

func (s *Session) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w != nil && !s.closed
}

func (s *Session) send(msg *jsonrpc.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil || s.closed {
		return ErrNotConnected
	}
	return s.w.WriteEvent("message", b)
}

// HandlePostMessage processes one control message. The HTTP-level outcome
// is written to sink; JSON-RPC responses go to the event stream. A non-nil
// error means the message was accepted but its response could not be
// delivered.
func (s *Session) HandlePostMessage(ctx context.Context, req Request, sink ResponseSink) error {
	if !s.connected() {
		reject(sink, http.StatusInternalServerError, "SSE connection not established")
		return nil
	}
	if req.Method() != http.MethodPost {
		reject(sink, http.StatusMethodNotAllowed, "Method not allowed")
		return nil
	}

	ctype, err := contenttype.GetMediaType(&http.Request{Header: req.Header()})
	if err != nil || !ctype.Matches(jsonMediaType) {
		reject(sink, http.StatusBadRequest, fmt.Sprintf("Unsupported content-type: %s", req.Header().Get("Content-Type")))
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(req.Body(), MaxMessageSize+1))
	if err != nil {
		reject(sink, http.StatusBadRequest, fmt.Sprintf("Invalid message: %v", err))
		return nil
	}
	if len(body) > MaxMessageSize {
		reject(sink, http.StatusRequestEntityTooLarge, "Message too large")
		return nil
	}

	msg, err := jsonrpc.Parse(body)
	if err != nil {
		reject(sink, http.StatusBadRequest, fmt.Sprintf("Invalid message: %v", err))
		return nil
	}

	sink.WriteHeader(http.StatusAccepted)
	sink.End("Accepted")

	return s.dispatch(context.WithValue(ctx, sessionCtxKey{}, s), msg)
}

func reject(sink ResponseSink, status int, body string) {
	sink.WriteHeader(status)
	sink.End(body)
}

func (s *Session) dispatch(ctx context.Context, msg *jsonrpc.Message) error {
	start := time.Now()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Kind()})
	log := s.srv.log

	switch msg.Kind() {
	case "response":
		// The server never issues requests, so there is nothing to correlate.
		log.DebugContext(ctx, "engine.response.ignored")
		return nil
	case "notification":
		s.handleNotification(ctx, msg)
		return nil
	}

	res, err := s.handleRequest(ctx, msg)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewError(msg.ID, jsonrpc.ErrorCodeInternalError, "internal error")
	}
	if err := s.send(res); err != nil {
		log.ErrorContext(ctx, "engine.send.fail", slog.String("err", err.Error()))
		return fmt.Errorf("deliver response: %w", err)
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return nil
}

func (s *Session) handleNotification(ctx context.Context, msg *jsonrpc.Message) {
	switch mcp.Method(msg.Method) {
	case mcp.InitializedNotificationMethod:
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
	default:
		s.srv.log.DebugContext(ctx, "engine.notification.ignored", slog.String("method", msg.Method))
	}
}

func (s *Session) handleRequest(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	switch mcp.Method(msg.Method) {
	case mcp.InitializeMethod:
		return s.handleInitialize(msg)
	case mcp.PingMethod:
		return jsonrpc.NewResult(msg.ID, struct{}{})
	case mcp.ToolsListMethod:
		return jsonrpc.NewResult(msg.ID, &mcp.ListToolsResult{Tools: s.srv.descriptors()})
	case mcp.ToolsCallMethod:
		return s.handleToolCall(ctx, msg)
	default:
		return jsonrpc.NewError(msg.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method)), nil
	}
}

func (s *Session) handleInitialize(msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return jsonrpc.NewError(msg.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params"), nil
	}
	version := s.srv.negotiate(params.ProtocolVersion)

	s.mu.Lock()
	s.protocolVersion = version
	s.clientInfo = params.ClientInfo
	s.mu.Unlock()

	var caps mcp.ServerCapabilities
	if len(s.srv.tools) > 0 {
		caps.Tools = &mcp.ToolsCapability{}
	}
	return jsonrpc.NewResult(msg.ID, &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    caps,
		ServerInfo:      s.srv.info,
		Instructions:    s.srv.instructions,
	})
}

func (s *Session) handleToolCall(ctx context.Context, msg *jsonrpc.Message) (*jsonrpc.Message, error) {
	var params mcp.CallToolRequest
	if err := json.Unmarshal(msg.Params, &params); err != nil || params.Name == "" {
		return jsonrpc.NewError(msg.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params"), nil
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	tool, ok := s.srv.toolsByName[params.Name]
	if !ok {
		return jsonrpc.NewError(msg.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unknown tool: %s", params.Name)), nil
	}

	res, err := tool.Handler(ctx, params.Arguments)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return jsonrpc.NewError(msg.ID, jsonrpc.ErrorCodeInternalError, "cancelled"), nil
		}
		return nil, fmt.Errorf("tool %s: %w", params.Name, err)
	}
	if res == nil {
		res = &mcp.CallToolResult{Content: []mcp.ContentBlock{}}
	}
	if res.Content == nil {
		res.Content = []mcp.ContentBlock{}
	}
	return jsonrpc.NewResult(msg.ID, res)
}
