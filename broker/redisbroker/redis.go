// Package redisbroker implements broker.Broker on Redis PUBLISH/SUBSCRIBE.
// Each publish also refreshes the expiry of the key named after the topic.
// Delivery is fire-and-forget: only processes subscribed at publish time
// receive a message.
package redisbroker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-sse-relay/broker"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Broker is a Redis pub/sub implementation of broker.Broker.
type Broker struct {
	client redis.UniversalClient
	log    *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed atomic.Bool
}

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets the logger used for subscription diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// New wraps client. The broker takes ownership of the client and closes it
// on Close.
func New(client redis.UniversalClient, opts ...Option) *Broker {
	b := &Broker{
		client: client,
		log:    slog.New(slog.DiscardHandler),
		subs:   make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewFromURL parses a redis:// or rediss:// URL, connects and pings.
func NewFromURL(ctx context.Context, rawURL string, opts ...Option) (*Broker, error) {
	o, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	cl := redis.NewClient(o)
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(cl, opts...), nil
}

// Publish issues PUBLISH and EXPIRE concurrently and waits for both.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, ttl time.Duration) error {
	if b.closed.Load() {
		return broker.ErrClosed
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := b.client.Publish(gctx, topic, payload).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	})
	g.Go(func() error {
		if ttl <= 0 {
			return nil
		}
		if err := b.client.Expire(gctx, topic, ttl).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", topic, err)
		}
		return nil
	})
	return g.Wait()
}

// Subscribe opens a dedicated pub/sub connection for topic and starts a
// delivery goroutine. It returns once Redis has confirmed the subscription.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler broker.MessageHandler) (broker.Subscription, error) {
	if b.closed.Load() {
		return nil, broker.ErrClosed
	}
	ps := b.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	sub := &subscription{
		b:     b,
		ps:    ps,
		topic: topic,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(ctx, ps.Channel(), handler)
	return sub, nil
}

// Close drops every live subscription and closes the client.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		// Closing the pubsub ends the delivery channel without a stop
		// signal, which the loop reports as a lost subscription.
		_ = s.ps.Close()
	}
	return b.client.Close()
}

type subscription struct {
	b     *Broker
	ps    *redis.PubSub
	topic string

	once sync.Once
	stop chan struct{}
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) run(ctx context.Context, ch <-chan *redis.Message, handler broker.MessageHandler) {
	defer func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
		close(s.done)
	}()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			s.setErr(ctx.Err())
			_ = s.ps.Close()
			return
		case msg, ok := <-ch:
			if s.stopped() {
				return
			}
			if !ok {
				s.setErr(fmt.Errorf("%w: %s", broker.ErrSubscriptionLost, s.topic))
				s.b.log.Warn("redis.subscription.lost", slog.String("topic", s.topic))
				return
			}
			handler(ctx, []byte(msg.Payload))
		}
	}
}

func (s *subscription) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		if cerr := s.ps.Close(); cerr != nil {
			err = fmt.Errorf("close pubsub %s: %w", s.topic, cerr)
		}
	})
	select {
	case <-s.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) Done() <-chan struct{} { return s.done }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

var (
	_ broker.Broker       = (*Broker)(nil)
	_ broker.Subscription = (*subscription)(nil)
)
