// Package memorybroker is an in-process broker.Broker used by tests and
// single-instance deployments.
package memorybroker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-sse-relay/broker"
)

const queueSize = 64

// Broker fans messages out to in-process subscribers. Topic expiry is
// tracked but has no effect on delivery; it mirrors the key TTL a Redis
// deployment would carry. A subscriber whose queue is full misses the
// message, the way a slow Redis pub/sub client would.
type Broker struct {
	mu     sync.Mutex
	topics map[string]map[*subscription]struct{}
	expiry map[string]time.Time
	closed bool

	dropped atomic.Int64
	now     func() time.Time
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		topics: make(map[string]map[*subscription]struct{}),
		expiry: make(map[string]time.Time),
		now:    time.Now,
	}
}

// Publish delivers payload to the current subscribers of topic without
// waiting for them.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return broker.ErrClosed
	}
	if ttl > 0 {
		b.expiry[topic] = b.now().Add(ttl)
	}
	subs := make([]*subscription, 0, len(b.topics[topic]))
	for s := range b.topics[topic] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	// Each subscriber gets its own copy so handlers may retain the slice.
	for _, s := range subs {
		msg := append([]byte(nil), payload...)
		select {
		case s.queue <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Dropped returns how many deliveries were discarded because a
// subscriber's queue was full.
func (b *Broker) Dropped() int64 { return b.dropped.Load() }

// TTL reports the remaining expiry recorded for topic by the last publish.
func (b *Broker) TTL(topic string) (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.expiry[topic]
	if !ok {
		return 0, false
	}
	left := at.Sub(b.now())
	if left <= 0 {
		delete(b.expiry, topic)
		return 0, false
	}
	return left, true
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Topics lists the topics that currently have subscribers, sorted.
func (b *Broker) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Subscribe starts a delivery goroutine for topic.
func (b *Broker) Subscribe(ctx context.Context, topic string, handler broker.MessageHandler) (broker.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	s := &subscription{
		b:     b,
		topic: topic,
		queue: make(chan []byte, queueSize),
		stop:  make(chan struct{}),
		lost:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	set, ok := b.topics[topic]
	if !ok {
		set = make(map[*subscription]struct{})
		b.topics[topic] = set
	}
	set[s] = struct{}{}
	go s.run(ctx, handler)
	return s, nil
}

// Close marks every live subscription as lost and rejects further use.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.topics {
		for s := range set {
			s.loseOnce.Do(func() { close(s.lost) })
		}
	}
	return nil
}

func (b *Broker) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.topics[s.topic]
	delete(set, s)
	if len(set) == 0 {
		delete(b.topics, s.topic)
	}
}

type subscription struct {
	b     *Broker
	topic string
	queue chan []byte

	stopOnce sync.Once
	loseOnce sync.Once
	stop     chan struct{}
	lost     chan struct{}
	done     chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) run(ctx context.Context, handler broker.MessageHandler) {
	defer func() {
		s.b.remove(s)
		close(s.done)
	}()
	for {
		select {
		case <-s.stop:
			return
		case <-s.lost:
			s.setErr(fmt.Errorf("%w: %s", broker.ErrSubscriptionLost, s.topic))
			return
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case msg := <-s.queue:
			select {
			case <-s.stop:
				return
			default:
			}
			handler(ctx, msg)
		}
	}
}

func (s *subscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *subscription) Unsubscribe(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
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
