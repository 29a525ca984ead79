// Package engine is a small MCP server engine for the legacy SSE transport.
// A Session is bound to one event stream; control messages are handed to
// Session.HandlePostMessage as request values and answered through a
// response sink, while JSON-RPC responses are written to the stream as
// "message" events.
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ggoodman/mcp-sse-relay/mcp"
	"github.com/google/uuid"
)

// MaxMessageSize caps the control message body.
const MaxMessageSize = 4 << 20

var (
	ErrNotConnected     = errors.New("engine: session not connected")
	ErrAlreadyConnected = errors.New("engine: session already connected")
)

// Request is the inbound side of a control message.
type Request interface {
	Method() string
	URL() string
	Header() http.Header
	Body() io.Reader
}

// ResponseSink receives the HTTP-level outcome of a control message.
type ResponseSink interface {
	WriteHeader(status int)
	End(body string)
}

// EventWriter writes one server-sent event.
type EventWriter interface {
	WriteEvent(event string, data []byte) error
}

// EventWriterFunc adapts a function to EventWriter.
type EventWriterFunc func(event string, data []byte) error

func (f EventWriterFunc) WriteEvent(event string, data []byte) error { return f(event, data) }

// Server holds the static server surface shared by all sessions.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        []Tool
	toolsByName  map[string]Tool
	log          *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithTools registers tools. Later registrations replace earlier ones with
// the same name.
func WithTools(tools ...Tool) ServerOption {
	return func(s *Server) {
		for _, t := range tools {
			if _, ok := s.toolsByName[t.Descriptor.Name]; !ok {
				s.tools = append(s.tools, t)
			} else {
				for i := range s.tools {
					if s.tools[i].Descriptor.Name == t.Descriptor.Name {
						s.tools[i] = t
					}
				}
			}
			s.toolsByName[t.Descriptor.Name] = t
		}
	}
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(text string) ServerOption {
	return func(s *Server) { s.instructions = text }
}

// WithLogger sets the logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer returns a Server that identifies itself as info.
func NewServer(info mcp.ImplementationInfo, opts ...ServerOption) *Server {
	s := &Server{
		info:        info,
		toolsByName: make(map[string]Tool),
		log:         slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// NewSession issues a fresh session id. messagePath is the path clients
// POST control messages to; it is advertised in the endpoint event.
func (s *Server) NewSession(messagePath string) *Session {
	return &Session{
		id:          uuid.NewString(),
		srv:         s,
		messagePath: messagePath,
	}
}

func (s *Server) descriptors() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.Descriptor)
	}
	return out
}

func (s *Server) negotiate(requested string) string {
	for _, v := range mcp.SupportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return mcp.LatestProtocolVersion
}

type sessionCtxKey struct{}

// SessionFromContext returns the session handling the current message.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionCtxKey{}).(*Session)
	return s, ok
}
