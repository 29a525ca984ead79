package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ggoodman/mcp-sse-relay/internal/engine"
	"github.com/ggoodman/mcp-sse-relay/mcp"
	"github.com/ggoodman/mcp-sse-relay/synthetic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	name string
	data string
}

type recordingWriter struct {
	mu     sync.Mutex
	events []event
	fail   error
}

func (w *recordingWriter) WriteEvent(name string, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.events = append(w.events, event{name: name, data: string(data)})
	return nil
}

func (w *recordingWriter) all() []event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]event(nil), w.events...)
}

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to echo back"`
}

func newServer() *engine.Server {
	echo := engine.NewTool("echo", func(ctx context.Context, a echoArgs) (*mcp.CallToolResult, error) {
		return engine.TextResult(a.Message), nil
	}, engine.WithToolDescription("Echo a message"))
	boom := engine.NewTool("boom", func(ctx context.Context, a struct{}) (*mcp.CallToolResult, error) {
		return nil, errors.New("exploded")
	})
	return engine.NewServer(mcp.ImplementationInfo{Name: "test", Version: "0.0.1"}, engine.WithTools(echo, boom))
}

func connected(t *testing.T) (*engine.Session, *recordingWriter) {
	t.Helper()
	sess := newServer().NewSession("/message")
	w := &recordingWriter{}
	require.NoError(t, sess.Connect(w))
	return sess, w
}

func post(t *testing.T, sess *engine.Session, body string) (*synthetic.Capture, error) {
	t.Helper()
	req := synthetic.NewRequest(synthetic.SerializedRequest{
		URL:     "/message?sessionId=" + sess.ID(),
		Method:  "POST",
		Body:    body,
		Headers: synthetic.Headers{"content-type": {"application/json"}},
	})
	sink := synthetic.NewCapture()
	err := sess.HandlePostMessage(context.Background(), req, sink)
	return sink, err
}

func lastMessage(t *testing.T, w *recordingWriter) map[string]any {
	t.Helper()
	evs := w.all()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	require.Equal(t, "message", last.name)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(last.data), &m))
	return m
}

func TestConnectWritesEndpointEvent(t *testing.T) {
	sess, w := connected(t)
	evs := w.all()
	require.Len(t, evs, 1)
	assert.Equal(t, "endpoint", evs[0].name)
	assert.Equal(t, "/message?sessionId="+sess.ID(), evs[0].data)

	assert.ErrorIs(t, sess.Connect(&recordingWriter{}), engine.ErrAlreadyConnected)
}

func TestSessionIDsAreUnique(t *testing.T) {
	srv := newServer()
	a, b := srv.NewSession("/message"), srv.NewSession("/message")
	assert.NotEqual(t, a.ID(), b.ID())
	assert.NotEmpty(t, a.ID())
}

func TestHandlePostMessageBeforeConnect(t *testing.T) {
	sess := newServer().NewSession("/message")
	sink, err := post(t, sess, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.NoError(t, err)
	status, body := sink.Result()
	assert.Equal(t, 500, status)
	assert.Equal(t, "SSE connection not established", body)
}

func TestHandlePostMessageRejectsBadInput(t *testing.T) {
	sess, _ := connected(t)

	cases := []struct {
		name    string
		method  string
		ctype   string
		body    string
		status  int
		snippet string
	}{
		{"wrong method", "GET", "application/json", `{}`, 405, "Method not allowed"},
		{"wrong content type", "POST", "text/plain", `{}`, 400, "Unsupported content-type"},
		{"invalid json", "POST", "application/json", `{not json`, 400, "Invalid message"},
		{"wrong version", "POST", "application/json", `{"jsonrpc":"1.0","id":1,"method":"ping"}`, 400, "Invalid message"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := synthetic.NewRequest(synthetic.SerializedRequest{
				Method:  tc.method,
				Body:    tc.body,
				Headers: synthetic.Headers{"content-type": {tc.ctype}},
			})
			sink := synthetic.NewCapture()
			require.NoError(t, sess.HandlePostMessage(context.Background(), req, sink))
			status, body := sink.Result()
			assert.Equal(t, tc.status, status)
			assert.Contains(t, body, tc.snippet)
		})
	}
}

func TestHandlePostMessageTooLarge(t *testing.T) {
	sess, _ := connected(t)
	big := `{"jsonrpc":"2.0","method":"x","params":"` + strings.Repeat("a", engine.MaxMessageSize) + `"}`
	sink, err := post(t, sess, big)
	require.NoError(t, err)
	assert.Equal(t, 413, sink.Status())
}

func TestInitializeNegotiatesVersion(t *testing.T) {
	sess, w := connected(t)

	sink, err := post(t, sess, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`)
	require.NoError(t, err)
	status, body := sink.Result()
	assert.Equal(t, 202, status)
	assert.Equal(t, "Accepted", body)

	m := lastMessage(t, w)
	result := m["result"].(map[string]any)
	assert.Equal(t, "2024-11-05", result["protocolVersion"])
	assert.Equal(t, "test", result["serverInfo"].(map[string]any)["name"])
	assert.Contains(t, result["capabilities"], "tools")
	assert.Equal(t, "2024-11-05", sess.ProtocolVersion())
	assert.Equal(t, "c", sess.ClientInfo().Name)

	_, err = post(t, sess, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"1999-01-01","capabilities":{},"clientInfo":{"name":"c","version":"1"}}}`)
	require.NoError(t, err)
	assert.Equal(t, mcp.LatestProtocolVersion, lastMessage(t, w)["result"].(map[string]any)["protocolVersion"])
}

func TestNotificationsProduceNoMessage(t *testing.T) {
	sess, w := connected(t)
	sink, err := post(t, sess, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	require.NoError(t, err)
	assert.Equal(t, 202, sink.Status())
	assert.Len(t, w.all(), 1)
	assert.True(t, sess.Initialized())
}

func TestPingAndUnknownMethod(t *testing.T) {
	sess, w := connected(t)

	_, err := post(t, sess, `{"jsonrpc":"2.0","id":"p1","method":"ping"}`)
	require.NoError(t, err)
	m := lastMessage(t, w)
	assert.Equal(t, "p1", m["id"])
	assert.Equal(t, map[string]any{}, m["result"])

	_, err = post(t, sess, `{"jsonrpc":"2.0","id":7,"method":"resources/list"}`)
	require.NoError(t, err)
	m = lastMessage(t, w)
	assert.Equal(t, float64(7), m["id"])
	assert.Equal(t, float64(-32601), m["error"].(map[string]any)["code"])
}

func TestToolsListAndCall(t *testing.T) {
	sess, w := connected(t)

	_, err := post(t, sess, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.NoError(t, err)
	tools := lastMessage(t, w)["result"].(map[string]any)["tools"].([]any)
	require.Len(t, tools, 2)
	echo := tools[0].(map[string]any)
	assert.Equal(t, "echo", echo["name"])
	schema := echo["inputSchema"].(map[string]any)
	assert.Equal(t, "object", schema["type"])
	assert.Contains(t, schema["properties"], "message")

	_, err = post(t, sess, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)
	require.NoError(t, err)
	res := lastMessage(t, w)["result"].(map[string]any)
	content := res["content"].([]any)
	require.Len(t, content, 1)
	assert.Equal(t, "hi", content[0].(map[string]any)["text"])

	_, err = post(t, sess, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"nope":1}}}`)
	require.NoError(t, err)
	assert.Equal(t, true, lastMessage(t, w)["result"].(map[string]any)["isError"])

	_, err = post(t, sess, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"missing"}}`)
	require.NoError(t, err)
	assert.Equal(t, float64(-32602), lastMessage(t, w)["error"].(map[string]any)["code"])

	_, err = post(t, sess, `{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"boom"}}`)
	require.NoError(t, err)
	assert.Equal(t, float64(-32603), lastMessage(t, w)["error"].(map[string]any)["code"])
}

func TestDeliveryFailureIsReported(t *testing.T) {
	sess, w := connected(t)
	w.fail = errors.New("stream gone")

	sink, err := post(t, sess, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Error(t, err)
	assert.Equal(t, 202, sink.Status())
}

func TestCloseRejectsFurtherMessages(t *testing.T) {
	sess, _ := connected(t)
	sess.Close()

	sink, err := post(t, sess, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.NoError(t, err)
	assert.Equal(t, 500, sink.Status())
	assert.ErrorIs(t, sess.Connect(&recordingWriter{}), engine.ErrNotConnected)
}
