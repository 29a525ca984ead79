package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-sse-relay/broker"
	"github.com/ggoodman/mcp-sse-relay/internal/engine"
	"github.com/ggoodman/mcp-sse-relay/internal/sessionlog"
	"github.com/ggoodman/mcp-sse-relay/synthetic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Handler processes one rebuilt control message. *engine.Session
// satisfies it.
type Handler interface {
	HandlePostMessage(ctx context.Context, req engine.Request, sink engine.ResponseSink) error
}

// Outcome describes how one delivered message was handled.
type Outcome struct {
	Topic   string
	Status  int
	Body    string
	Err     error
	Dropped bool
}

// OK reports whether the engine answered with a 2xx status.
func (o Outcome) OK() bool {
	return !o.Dropped && o.Status >= 200 && o.Status < 300
}

func (o Outcome) label() string {
	switch {
	case o.Dropped:
		return "dropped"
	case o.OK():
		return "ok"
	default:
		return "fail"
	}
}

// Listener subscribes to one session topic and feeds every delivered
// message to a Handler, one at a time.
type Listener struct {
	b       broker.Broker
	topic   string
	h       Handler
	log     *sessionlog.Logger
	hook    func(Outcome)
	metrics *Metrics

	propagator propagation.TextMapPropagator
	tracer     trace.Tracer

	mu      sync.Mutex
	sub     broker.Subscription
	hctx    context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
	done    chan struct{}
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithOutcomeHook registers fn to observe every processed message.
func WithOutcomeHook(fn func(Outcome)) ListenerOption {
	return func(l *Listener) { l.hook = fn }
}

// WithListenerMetrics records per-message outcomes and durations on m.
func WithListenerMetrics(m *Metrics) ListenerOption {
	return func(l *Listener) { l.metrics = m }
}

// WithListenerTracerProvider overrides the global tracer provider for
// consumer spans.
func WithListenerTracerProvider(tp trace.TracerProvider) ListenerOption {
	return func(l *Listener) {
		if tp != nil {
			l.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewListener returns a Listener for topic. Records about each message go
// to log; a nil log writes through slog.Default.
func NewListener(b broker.Broker, topic string, h Handler, log *sessionlog.Logger, opts ...ListenerOption) *Listener {
	if log == nil {
		log = sessionlog.New(context.Background(), slog.Default())
	}
	l := &Listener{
		b:          b,
		topic:      topic,
		h:          h,
		log:        log,
		propagator: propagation.TraceContext{},
		tracer:     otel.Tracer(tracerName),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Topic returns the topic the listener subscribes to.
func (l *Listener) Topic() string { return l.topic }

// Start subscribes to the topic. ctx bounds the subscription. The Handler
// gets a context derived from ctx that Stop cancels.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		return fmt.Errorf("listener for %s already started", l.topic)
	}
	hctx, cancel := context.WithCancel(ctx)
	sub, err := l.b.Subscribe(ctx, l.topic, l.deliver)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe %s: %w", l.topic, err)
	}
	l.sub, l.hctx, l.cancel = sub, hctx, cancel
	go func() {
		<-sub.Done()
		close(l.done)
	}()
	return nil
}

// Stop cancels the in-flight message's context, unsubscribes and waits for
// that message to finish. It is safe to call more than once, and before
// Start.
func (l *Listener) Stop(ctx context.Context) error {
	l.stopped.Store(true)
	l.mu.Lock()
	sub, cancel := l.sub, l.cancel
	l.mu.Unlock()
	if sub == nil {
		return nil
	}
	cancel()
	return sub.Unsubscribe(ctx)
}

// Done is closed when the subscription ends for any reason.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Err reports why the subscription ended; nil after Stop.
func (l *Listener) Err() error {
	l.mu.Lock()
	sub := l.sub
	l.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Err()
}

// deliver runs on the subscription's goroutine. The broker's ctx is
// replaced by the one Stop cancels.
func (l *Listener) deliver(_ context.Context, payload []byte) {
	if l.stopped.Load() {
		return
	}
	l.mu.Lock()
	ctx := l.hctx
	l.mu.Unlock()
	start := time.Now()
	out := l.process(ctx, payload)
	l.metrics.processed(out, time.Since(start))
	if l.hook != nil {
		l.hook(out)
	}
}

func (l *Listener) process(ctx context.Context, payload []byte) (out Outcome) {
	out.Topic = l.topic
	defer func() {
		if p := recover(); p != nil {
			out.Err = fmt.Errorf("panic handling message: %v", p)
			l.log.Error("relay.message.panic", slog.String("topic", l.topic), slog.Any("panic", p))
		}
	}()

	sr, err := synthetic.Decode(payload)
	if err != nil {
		out.Dropped = true
		out.Err = err
		l.log.Error("relay.message.decode_fail", slog.String("topic", l.topic), slog.String("err", err.Error()))
		return out
	}

	ctx = l.propagator.Extract(ctx, headerCarrier(sr.Headers))
	ctx, span := l.tracer.Start(ctx, "relay.deliver",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.destination.name", l.topic)),
	)
	defer span.End()

	req := synthetic.NewRequest(sr)
	sink := synthetic.NewCapture()
	if err := l.h.HandlePostMessage(ctx, req, sink); err != nil {
		out.Err = err
		span.RecordError(err)
		l.log.Error("relay.message.handler_error", slog.String("topic", l.topic), slog.String("err", err.Error()))
	}
	out.Status, out.Body = sink.Result()
	span.SetAttributes(attribute.Int("http.response.status_code", out.Status))

	headers := slog.Any("headers", req.HeaderNames())
	if out.OK() {
		l.log.Log("relay.message.ok", slog.String("topic", l.topic), slog.Int("status", out.Status), headers)
	} else {
		l.log.Error("relay.message.fail", slog.String("topic", l.topic), slog.Int("status", out.Status), slog.String("body", out.Body), headers)
	}
	return out
}
