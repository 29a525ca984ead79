// Package relay ferries control messages for an SSE session through a
// broker topic to whichever process holds the session's event stream, and
// governs that stream's lifetime.
//
// A Relay publishes on the sending side. A Listener subscribes on the
// holding side, rebuilds each message as a synthetic request and drives
// the engine with it. A Governor decides when the session ends and runs
// its cleanup exactly once.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ggoodman/mcp-sse-relay/broker"
	"github.com/ggoodman/mcp-sse-relay/synthetic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultMessageTTL is the expiry refreshed on the topic key at every publish.
	DefaultMessageTTL = 60 * time.Second
	// DefaultMaxDuration bounds the lifetime of one SSE session.
	DefaultMaxDuration = 795 * time.Second
	// DefaultFlushInterval is how often buffered session logs are written.
	DefaultFlushInterval = 100 * time.Millisecond
	// DefaultMaxAttempts is the number of publish attempts per message.
	DefaultMaxAttempts = 3

	defaultRetryInterval = 50 * time.Millisecond
	tracerName           = "github.com/ggoodman/mcp-sse-relay/relay"
)

var (
	ErrMissingSessionID = errors.New("relay: no session id provided")
	ErrPublishFailed    = errors.New("relay: publish failed")
)

// Topic returns the broker topic for sessionID.
func Topic(prefix, sessionID string) string {
	return prefix + "requests:" + sessionID
}

// Relay publishes control messages onto session topics.
type Relay struct {
	b             broker.Broker
	prefix        string
	ttl           time.Duration
	maxAttempts   uint
	retryInterval time.Duration
	log           *slog.Logger
	metrics       *Metrics
	propagator    propagation.TextMapPropagator
	tracer        trace.Tracer
}

// Option configures a Relay.
type Option func(*Relay)

// WithTopicPrefix prepends prefix to every session topic.
func WithTopicPrefix(prefix string) Option {
	return func(r *Relay) { r.prefix = prefix }
}

// WithMessageTTL overrides DefaultMessageTTL.
func WithMessageTTL(ttl time.Duration) Option {
	return func(r *Relay) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithMaxAttempts sets the number of publish attempts, including the first.
func WithMaxAttempts(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = uint(n)
		}
	}
}

// WithRetryInterval sets the initial backoff between publish attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.retryInterval = d
		}
	}
}

// WithLogger sets the logger for publish attempts. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics records publish results and retries on m.
func WithMetrics(m *Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Relay) {
		if tp != nil {
			r.tracer = tp.Tracer(tracerName)
		}
	}
}

// New returns a Relay publishing on b with DefaultMessageTTL and
// DefaultMaxAttempts unless overridden.
func New(b broker.Broker, opts ...Option) *Relay {
	r := &Relay{
		b:             b,
		ttl:           DefaultMessageTTL,
		maxAttempts:   DefaultMaxAttempts,
		retryInterval: defaultRetryInterval,
		log:           slog.Default(),
		propagator:    propagation.TraceContext{},
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Topic returns the topic this relay publishes to for sessionID.
func (r *Relay) Topic(sessionID string) string {
	return Topic(r.prefix, sessionID)
}

// Submit publishes req on the session's topic and refreshes the topic
// expiry. It returns once the broker acknowledged the publish; it does not
// wait for the message to be processed. A message published while no
// process holds the session is lost.
func (r *Relay) Submit(ctx context.Context, sessionID string, req synthetic.SerializedRequest) error {
	if sessionID == "" {
		return ErrMissingSessionID
	}
	topic := r.Topic(sessionID)

	ctx, span := r.tracer.Start(ctx, "relay.submit",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination.name", topic),
		),
	)
	defer span.End()

	if req.Headers == nil {
		req.Headers = synthetic.Headers{}
	}
	r.propagator.Inject(ctx, headerCarrier(req.Headers))

	payload, err := synthetic.Encode(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("encode request: %w", err)
	}

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			r.metrics.retried()
		}
		err := r.b.Publish(ctx, topic, payload, r.ttl)
		if errors.Is(err, broker.ErrClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			r.log.WarnContext(ctx, "relay.submit.retry", slog.String("topic", topic), slog.Int("attempt", attempt), slog.String("err", err.Error()))
		}
		return struct{}{}, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.retryInterval
	if _, err := backoff.Retry(ctx, op, backoff.WithBackOff(eb), backoff.WithMaxTries(r.maxAttempts)); err != nil {
		r.metrics.published(false)
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		r.log.ErrorContext(ctx, "relay.submit.fail", slog.String("topic", topic), slog.Int("attempts", attempt), slog.String("err", err.Error()))
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	r.metrics.published(true)
	r.log.DebugContext(ctx, "relay.submit.ok", slog.String("topic", topic), slog.Int("bytes", len(payload)))
	return nil
}

// headerCarrier adapts serialized headers to propagation.TextMapCarrier.
// Names are stored lower-case.
type headerCarrier synthetic.Headers

func (c headerCarrier) Get(key string) string {
	vs := c[strings.ToLower(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func (c headerCarrier) Set(key, value string) {
	c[strings.ToLower(key)] = []string{value}
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
