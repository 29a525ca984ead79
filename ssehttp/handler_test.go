package ssehttp

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/mcp-sse-relay/broker"
	"github.com/ggoodman/mcp-sse-relay/broker/memorybroker"
	"github.com/ggoodman/mcp-sse-relay/broker/redisbroker"
	"github.com/ggoodman/mcp-sse-relay/internal/engine"
	"github.com/ggoodman/mcp-sse-relay/mcp"
	"github.com/ggoodman/mcp-sse-relay/relay"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoArgs struct {
	Message string `json:"message" jsonschema:"description=Text to echo back"`
}

func newEngine(log *slog.Logger) *engine.Server {
	echo := engine.NewTool("echo", func(ctx context.Context, a echoArgs) (*mcp.CallToolResult, error) {
		return engine.TextResult(a.Message), nil
	}, engine.WithToolDescription("Echo a message back"))
	return engine.NewServer(
		mcp.ImplementationInfo{Name: "test-server", Version: "1.0.0"},
		engine.WithTools(echo),
		engine.WithLogger(log),
	)
}

type instance struct {
	h   *Handler
	srv *httptest.Server
}

// newInstance starts one relay process. Cleanup cancels the handler context
// before closing the server so that open streams end first.
func newInstance(t *testing.T, b broker.Broker, opts ...Option) *instance {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	log := testLogger(t)
	h := New(ctx, newEngine(log), b, append([]Option{WithLogger(log)}, opts...)...)
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return &instance{h: h, srv: srv}
}

type sseEvent struct {
	name string
	data string
}

type sseStream struct {
	resp   *http.Response
	events chan sseEvent
}

func openStream(t *testing.T, ctx context.Context, baseURL string) *sseStream {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/sse", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	s := &sseStream{resp: resp, events: make(chan sseEvent, 16)}
	go func() {
		defer close(s.events)
		sc := bufio.NewScanner(resp.Body)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case line == "":
				s.events <- ev
				ev = sseEvent{}
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data += strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	t.Cleanup(func() { resp.Body.Close() })
	return s
}

func (s *sseStream) next(t *testing.T) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-s.events:
		require.True(t, ok, "stream ended")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return sseEvent{}
	}
}

func (s *sseStream) waitClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-s.events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream was not closed")
		}
	}
}

func postMessage(t *testing.T, baseURL, endpoint, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(baseURL+endpoint, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestRoutes(t *testing.T) {
	b := memorybroker.New()
	defer b.Close()
	in := newInstance(t, b)

	resp, err := http.Get(in.srv.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Hello, world!", readBody(t, resp))

	resp, err = http.Get(in.srv.URL + "/nope")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "Not found", readBody(t, resp))

	resp, err = http.Post(in.srv.URL+"/sse", "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(in.srv.URL + "/message?sessionId=x")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, in.srv.URL+"/sse", nil)
	req.Header.Set("Accept", "application/json")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotAcceptable, resp.StatusCode)
	resp.Body.Close()
}

func TestMessageValidation(t *testing.T) {
	b := memorybroker.New()
	defer b.Close()
	in := newInstance(t, b)

	resp := postMessage(t, in.srv.URL, "/message", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "No sessionId provided", readBody(t, resp))

	// Unknown sessions are fire-and-forget: the message is published and lost.
	resp = postMessage(t, in.srv.URL, "/message?sessionId=ghost", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "Accepted", readBody(t, resp))
	_, ok := b.TTL("requests:ghost")
	assert.True(t, ok)

	big := strings.Repeat("a", engine.MaxMessageSize+1)
	resp = postMessage(t, in.srv.URL, "/message?sessionId=ghost", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestBrokerUnavailable(t *testing.T) {
	b := memorybroker.New()
	require.NoError(t, b.Close())
	in := newInstance(t, b, WithPublishMaxAttempts(1))

	resp := postMessage(t, in.srv.URL, "/message?sessionId=abc", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, in.srv.URL+"/sse", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Empty(t, in.h.Sessions())
}

func TestStreamRelaysResponses(t *testing.T) {
	b := memorybroker.New()
	defer b.Close()
	in := newInstance(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := openStream(t, ctx, in.srv.URL)

	ev := s.next(t)
	require.Equal(t, "endpoint", ev.name)
	require.True(t, strings.HasPrefix(ev.data, "/message?sessionId="))
	sessionID := strings.TrimPrefix(ev.data, "/message?sessionId=")
	assert.Equal(t, []string{sessionID}, in.h.Sessions())
	assert.Equal(t, 1, b.Subscribers(relay.Topic("", sessionID)))

	resp := postMessage(t, in.srv.URL, ev.data, `{"jsonrpc":"2.0","id":"a","method":"ping"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	msg := s.next(t)
	assert.Equal(t, "message", msg.name)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"a","result":{}}`, msg.data)

	cancel()
	require.Eventually(t, func() bool { return len(in.h.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, b.Subscribers(relay.Topic("", sessionID)))
}

func TestSessionTimeout(t *testing.T) {
	b := memorybroker.New()
	defer b.Close()
	reg := prometheus.NewRegistry()
	m, err := relay.NewMetrics(reg)
	require.NoError(t, err)
	const maxDur = 100 * time.Millisecond
	in := newInstance(t, b, WithMaxDuration(maxDur), WithMetrics(m))

	start := time.Now()
	s := openStream(t, context.Background(), in.srv.URL)
	require.Equal(t, "endpoint", s.next(t).name)
	s.waitClosed(t)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, maxDur)
	assert.Less(t, elapsed, maxDur+2*time.Second)

	require.Eventually(t, func() bool { return len(in.h.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, counterValue(t, reg, "mcp_relay_sessions_closed_total", "TimeoutReached"))
	n, err := testutil.GatherAndCount(reg, "mcp_relay_sessions_active")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSessionTimeoutBeforeStreamStarts(t *testing.T) {
	b := memorybroker.New()
	defer b.Close()
	in := newInstance(t, b, WithMaxDuration(time.Nanosecond))

	s := openStream(t, context.Background(), in.srv.URL)
	s.waitClosed(t)

	require.Eventually(t, func() bool { return len(in.h.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(b.Topics()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, reason string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "reason" && lp.GetValue() == reason {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{reason=%q} not found", name, reason)
	return 0
}

func TestServerShutdownClosesStreams(t *testing.T) {
	b := memorybroker.New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	h := New(ctx, newEngine(testLogger(t)), b, WithLogger(testLogger(t)))
	srv := httptest.NewServer(h)
	defer srv.Close()

	s := openStream(t, context.Background(), srv.URL)
	require.Equal(t, "endpoint", s.next(t).name)

	cancel()
	s.waitClosed(t)
	require.Eventually(t, func() bool { return len(h.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSubscriptionLossClosesStream(t *testing.T) {
	b := memorybroker.New()
	in := newInstance(t, b)

	s := openStream(t, context.Background(), in.srv.URL)
	require.Equal(t, "endpoint", s.next(t).name)

	require.NoError(t, b.Close())
	s.waitClosed(t)
	require.Eventually(t, func() bool { return len(in.h.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestSDKClientSingleInstance(t *testing.T) {
	b := memorybroker.New()
	defer b.Close()
	in := newInstance(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := sdk.NewClient(&sdk.Implementation{Name: "test-client", Version: "1.0.0"}, &sdk.ClientOptions{})
	cs, err := client.Connect(ctx, &sdk.SSEClientTransport{Endpoint: in.srv.URL + "/sse"}, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer cs.Close()

	if want, got := "test-server", cs.InitializeResult().ServerInfo.Name; want != got {
		t.Errorf("Unexpected server name: want %q, got %q", want, got)
	}

	tools, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", tools.Tools)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "echo", Arguments: map[string]any{"message": "hello"}})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("CallTool returned error: %v", res.Content)
	}
	text, ok := res.Content[0].(*sdk.TextContent)
	if !ok || text.Text != "hello" {
		t.Fatalf("unexpected content: %+v", res.Content)
	}
}

// splitTransport sends POSTs to a different instance than the stream, the
// way a load balancer spreads short requests over a fleet.
type splitTransport struct {
	postTarget *url.URL
}

func (s splitTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if r.Method == http.MethodPost {
		r = r.Clone(r.Context())
		r.URL.Scheme = s.postTarget.Scheme
		r.URL.Host = s.postTarget.Host
		r.Host = s.postTarget.Host
	}
	return http.DefaultTransport.RoundTrip(r)
}

func TestSDKClientAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	newBroker := func() broker.Broker {
		return redisbroker.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	}
	ba, bb := newBroker(), newBroker()
	defer ba.Close()
	defer bb.Close()

	holder := newInstance(t, ba)
	sender := newInstance(t, bb)
	senderURL, err := url.Parse(sender.srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := sdk.NewClient(&sdk.Implementation{Name: "test-client", Version: "1.0.0"}, &sdk.ClientOptions{})
	cs, err := client.Connect(ctx, &sdk.SSEClientTransport{
		Endpoint:   holder.srv.URL + "/sse",
		HTTPClient: &http.Client{Transport: splitTransport{postTarget: senderURL}},
	}, &sdk.ClientSessionOptions{})
	require.NoError(t, err)
	defer cs.Close()

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{Name: "echo", Arguments: map[string]any{"message": "relayed"}})
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, "relayed", res.Content[0].(*sdk.TextContent).Text)

	assert.Len(t, holder.h.Sessions(), 1)
	assert.Empty(t, sender.h.Sessions())
}
