// Package jsonrpc holds the JSON-RPC 2.0 envelope types exchanged with MCP
// clients over the SSE transport.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	ErrorCodeParseError     ErrorCode = -32700
	ErrorCodeInvalidRequest ErrorCode = -32600
	ErrorCodeMethodNotFound ErrorCode = -32601
	ErrorCodeInvalidParams  ErrorCode = -32602
	ErrorCodeInternalError  ErrorCode = -32603
)

var (
	errBadVersion      = errors.New("unsupported jsonrpc version")
	errAmbiguousResult = errors.New("response carries both result and error")
	errEmptyResponse   = errors.New("response carries neither result nor error")
	errRequestResult   = errors.New("request carries result or error")
)

// Message is one client or server message as it appears on the wire.
// Requests and notifications set Method; responses set Result or Error.
type Message struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Parse decodes a single message and enforces the JSON-RPC 2.0 shape rules.
// Batches are not accepted.
func Parse(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if m.JSONRPCVersion != ProtocolVersion {
		return nil, fmt.Errorf("%w: %q", errBadVersion, m.JSONRPCVersion)
	}

	hasResult := len(m.Result) > 0
	hasError := m.Error != nil
	switch {
	case m.Method != "" && (hasResult || hasError):
		return nil, errRequestResult
	case m.Method == "" && hasResult && hasError:
		return nil, errAmbiguousResult
	case m.Method == "" && !hasResult && !hasError:
		return nil, errEmptyResponse
	}
	return &m, nil
}

// Kind reports "request", "notification" or "response".
func (m *Message) Kind() string {
	if m.Method != "" {
		if m.ID.IsNil() {
			return "notification"
		}
		return "request"
	}
	return "response"
}

// NewResult builds a successful response for id.
func NewResult(id *RequestID, result any) (*Message, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Message{JSONRPCVersion: ProtocolVersion, Result: b, ID: id}, nil
}

// NewError builds an error response for id.
func NewError(id *RequestID, code ErrorCode, message string) *Message {
	return &Message{
		JSONRPCVersion: ProtocolVersion,
		Error:          &Error{Code: code, Message: message},
		ID:             id,
	}
}
