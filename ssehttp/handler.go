package ssehttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-sse-relay/broker"
	"github.com/ggoodman/mcp-sse-relay/internal/engine"
	"github.com/ggoodman/mcp-sse-relay/internal/logctx"
	"github.com/ggoodman/mcp-sse-relay/internal/sessionlog"
	"github.com/ggoodman/mcp-sse-relay/relay"
	"github.com/ggoodman/mcp-sse-relay/sessions"
	"github.com/ggoodman/mcp-sse-relay/synthetic"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	ssePath     = "/sse"
	messagePath = "/message"
)

// Option configures the Handler.
type Option func(*config)

type config struct {
	logger        *slog.Logger
	maxDuration   time.Duration
	flushInterval time.Duration
	topicPrefix   string
	messageTTL    time.Duration
	maxAttempts   int
	metrics       *relay.Metrics
}

// WithLogger sets the logger. If not provided, slog.Default is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMaxDuration bounds how long one SSE session may stay open.
func WithMaxDuration(d time.Duration) Option {
	return func(c *config) { c.maxDuration = d }
}

// WithFlushInterval sets how often buffered session logs are written.
func WithFlushInterval(d time.Duration) Option {
	return func(c *config) { c.flushInterval = d }
}

// WithTopicPrefix namespaces session topics, e.g. per environment.
func WithTopicPrefix(prefix string) Option {
	return func(c *config) { c.topicPrefix = prefix }
}

// WithMessageTTL sets the expiry refreshed on a topic at every publish.
func WithMessageTTL(d time.Duration) Option {
	return func(c *config) { c.messageTTL = d }
}

// WithPublishMaxAttempts sets how many times a control message publish is
// attempted before the client gets a 503.
func WithPublishMaxAttempts(n int) Option {
	return func(c *config) { c.maxAttempts = n }
}

// WithMetrics records session, publish and message metrics on m.
func WithMetrics(m *relay.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// Handler serves the SSE transport routes.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	srv      *engine.Server
	broker   broker.Broker
	relay    *relay.Relay
	registry *sessions.Registry[*openSession]
	metrics  *relay.Metrics
	shutdown <-chan struct{}

	maxDuration   time.Duration
	flushInterval time.Duration
}

// openSession is the process-local state of one SSE stream.
type openSession struct {
	session  *engine.Session
	listener *relay.Listener
	governor *relay.Governor
	logs     *sessionlog.Logger
}

// New constructs a Handler. Cancelling ctx closes every open session with
// relay.ServerShutdown.
func New(ctx context.Context, server *engine.Server, b broker.Broker, opts ...Option) *Handler {
	cfg := &config{
		logger:        slog.Default(),
		maxDuration:   relay.DefaultMaxDuration,
		flushInterval: relay.DefaultFlushInterval,
		messageTTL:    relay.DefaultMessageTTL,
		maxAttempts:   relay.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	h := &Handler{
		log:           log,
		srv:           server,
		broker:        b,
		registry:      sessions.NewRegistry[*openSession](),
		metrics:       cfg.metrics,
		shutdown:      ctx.Done(),
		maxDuration:   cfg.maxDuration,
		flushInterval: cfg.flushInterval,
	}
	h.relay = relay.New(b,
		relay.WithTopicPrefix(cfg.topicPrefix),
		relay.WithMessageTTL(cfg.messageTTL),
		relay.WithMaxAttempts(cfg.maxAttempts),
		relay.WithLogger(log),
		relay.WithMetrics(cfg.metrics),
	)

	mux := http.NewServeMux()
	mux.HandleFunc(ssePath, h.handleSSE)
	mux.HandleFunc(messagePath, h.handleMessage)
	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.HandleFunc("/", h.handleNotFound)
	h.mux = mux
	return h
}

// ServeHTTP routes r after attaching request data for logging.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// Sessions returns the ids of sessions whose streams this process holds.
func (h *Handler) Sessions() []string {
	return h.registry.IDs()
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

// handleSSE opens a session and holds the event stream until the session's
// governor closes it.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed")
		h.log.WarnContext(ctx, "http.sse.method_not_allowed")
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeText(w, http.StatusNotAcceptable, "Not acceptable")
		h.log.WarnContext(ctx, "http.sse.unsupported_media_type")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sess := h.srv.NewSession(messagePath)
	topic := h.relay.Topic(sess.ID())
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID(), Topic: topic})
	h.log.InfoContext(ctx, "sse.session.open")

	logs := sessionlog.New(ctx, h.log)
	listener := relay.NewListener(h.broker, topic, sess, logs, relay.WithListenerMetrics(h.metrics))
	entry := &openSession{session: sess, listener: listener, logs: logs}

	if err := h.registry.Register(sess.ID(), entry); err != nil {
		writeText(w, http.StatusInternalServerError, "Internal server error")
		h.log.ErrorContext(ctx, "session.register.fail", slog.String("err", err.Error()))
		return
	}

	// The governor ends the subscription; request cancellation alone must not.
	if err := listener.Start(context.WithoutCancel(ctx)); err != nil {
		h.registry.Unregister(sess.ID())
		writeText(w, http.StatusServiceUnavailable, "Service unavailable")
		h.log.ErrorContext(ctx, "subscribe.session.fail", slog.String("err", err.Error()))
		return
	}
	logs.Start(h.flushInterval)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	gov := relay.NewGovernor(ctx, h.maxDuration, h.log)
	entry.governor = gov
	gov.OnCleanup("stop-log-flush", func(context.Context) error {
		logs.Stop()
		return nil
	})
	gov.OnCleanup("unsubscribe", listener.Stop)
	gov.OnCleanup("flush-logs", func(context.Context) error {
		logs.Flush()
		return nil
	})
	gov.OnCleanup("close-stream", func(context.Context) error {
		sess.Close()
		wf.close()
		return nil
	})
	gov.OnCleanup("unregister", func(context.Context) error {
		if !h.registry.Unregister(sess.ID()) {
			return errors.New("session was not registered")
		}
		h.metrics.SessionClosed(gov.Reason())
		return nil
	})
	gov.Watch(listener.Done(), relay.SubscriptionLost)
	gov.Watch(h.shutdown, relay.ServerShutdown)
	h.metrics.SessionOpened()
	gov.Start()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	if err := sess.Connect(wf); err != nil {
		if gov.State() == relay.StateOpen {
			h.log.ErrorContext(ctx, "sse.endpoint.fail", slog.String("err", err.Error()))
		}
		gov.Close(ctx, relay.ClientDisconnected)
		h.log.InfoContext(ctx, "sse.stream.end", slog.String("reason", string(gov.Reason())), slog.Duration("dur", time.Since(start)))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	reason := gov.Wait(ctx)
	h.log.InfoContext(ctx, "sse.stream.end", slog.String("reason", string(reason)), slog.Duration("dur", time.Since(start)))
}

// handleMessage relays one control message to the process holding the
// session's stream. It does not wait for the message to be processed.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeText(w, http.StatusMethodNotAllowed, "Method not allowed")
		h.log.WarnContext(ctx, "http.message.method_not_allowed")
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		writeText(w, http.StatusBadRequest, "No sessionId provided")
		h.log.WarnContext(ctx, "http.message.missing_session_id")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID, Topic: h.relay.Topic(sessionID)})

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, engine.MaxMessageSize))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeText(w, http.StatusRequestEntityTooLarge, "Message too large")
			h.log.WarnContext(ctx, "http.message.too_large")
			return
		}
		writeText(w, http.StatusBadRequest, "Invalid body")
		h.log.WarnContext(ctx, "http.message.read_fail", slog.String("err", err.Error()))
		return
	}

	if err := h.relay.Submit(ctx, sessionID, synthetic.Snapshot(r, string(body))); err != nil {
		writeText(w, http.StatusServiceUnavailable, "Service unavailable")
		h.log.ErrorContext(ctx, "http.message.publish_fail", slog.String("err", err.Error()))
		return
	}

	writeText(w, http.StatusAccepted, "Accepted")
	h.log.InfoContext(ctx, "http.message.accepted", slog.Int("bytes", len(body)))
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusOK, "Hello, world!")
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeText(w, http.StatusNotFound, "Not found")
}
