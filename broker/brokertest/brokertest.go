// Package brokertest holds a conformance suite shared by broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-relay/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

const waitTimeout = 5 * time.Second

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAfterSubscribeDeliversOnce", func(t *testing.T) {
		testPublishAfterSubscribe(t, factory)
	})
	t.Run("PublishWithoutSubscriberIsDropped", func(t *testing.T) {
		testPublishWithoutSubscriber(t, factory)
	})
	t.Run("TopicIsolation", func(t *testing.T) {
		testTopicIsolation(t, factory)
	})
	t.Run("SequentialDeliveryInOrder", func(t *testing.T) {
		testSequentialDelivery(t, factory)
	})
	t.Run("NoDeliveryAfterUnsubscribe", func(t *testing.T) {
		testNoDeliveryAfterUnsubscribe(t, factory)
	})
	t.Run("UnsubscribeIsIdempotent", func(t *testing.T) {
		testUnsubscribeIdempotent(t, factory)
	})
	t.Run("CloseReportsSubscriptionLost", func(t *testing.T) {
		testCloseReportsLost(t, factory)
	})
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
	ch   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 128)}
}

func (r *recorder) handle(_ context.Context, payload []byte) {
	r.mu.Lock()
	r.msgs = append(r.msgs, string(payload))
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recorder) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for message %d of %d (got %v)", i+1, n, r.snapshot())
		}
	}
}

func testPublishAfterSubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)
	ctx := context.Background()

	rec := newRecorder()
	sub, err := b.Subscribe(ctx, "requests:a", rec.handle)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsubscribe(t, sub)

	if err := b.Publish(ctx, "requests:a", []byte("hello"), time.Minute); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	rec.waitFor(t, 1)

	time.Sleep(50 * time.Millisecond)
	got := rec.snapshot()
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("expected exactly [hello], got %v", got)
	}
}

func testPublishWithoutSubscriber(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)
	ctx := context.Background()

	if err := b.Publish(ctx, "requests:nobody", []byte("lost"), time.Minute); err != nil {
		t.Fatalf("Publish with no subscriber should succeed, got %v", err)
	}

	rec := newRecorder()
	sub, err := b.Subscribe(ctx, "requests:nobody", rec.handle)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsubscribe(t, sub)

	time.Sleep(100 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 0 {
		t.Fatalf("late subscriber must not see earlier messages, got %v", got)
	}
}

func testTopicIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)
	ctx := context.Background()

	recA, recB := newRecorder(), newRecorder()
	subA, err := b.Subscribe(ctx, "requests:a", recA.handle)
	if err != nil {
		t.Fatalf("Subscribe a failed: %v", err)
	}
	defer unsubscribe(t, subA)
	subB, err := b.Subscribe(ctx, "requests:b", recB.handle)
	if err != nil {
		t.Fatalf("Subscribe b failed: %v", err)
	}
	defer unsubscribe(t, subB)

	if err := b.Publish(ctx, "requests:b", []byte("for-b"), time.Minute); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	recB.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)

	if got := recA.snapshot(); len(got) != 0 {
		t.Fatalf("topic a received foreign messages: %v", got)
	}
	if got := recB.snapshot(); len(got) != 1 || got[0] != "for-b" {
		t.Fatalf("topic b expected [for-b], got %v", got)
	}
}

func testSequentialDelivery(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		inFlight int
		overlap  bool
	)
	rec := newRecorder()
	handler := func(ctx context.Context, payload []byte) {
		mu.Lock()
		inFlight++
		if inFlight > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		rec.handle(ctx, payload)
	}

	sub, err := b.Subscribe(ctx, "requests:seq", handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer unsubscribe(t, sub)

	const n = 10
	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, "requests:seq", []byte(fmt.Sprintf("m%d", i)), time.Minute); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}
	rec.waitFor(t, n)

	got := rec.snapshot()
	for i := 0; i < n; i++ {
		if got[i] != fmt.Sprintf("m%d", i) {
			t.Fatalf("out of order delivery: %v", got)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if overlap {
		t.Fatalf("handler invocations overlapped")
	}
}

func testNoDeliveryAfterUnsubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)
	ctx := context.Background()

	rec := newRecorder()
	sub, err := b.Subscribe(ctx, "requests:u", rec.handle)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := b.Publish(ctx, "requests:u", []byte("before"), time.Minute); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	rec.waitFor(t, 1)

	unsubscribe(t, sub)
	select {
	case <-sub.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("Done not closed after Unsubscribe")
	}
	if err := sub.Err(); err != nil {
		t.Fatalf("expected nil Err after Unsubscribe, got %v", err)
	}

	if err := b.Publish(ctx, "requests:u", []byte("after"), time.Minute); err != nil {
		t.Fatalf("Publish after unsubscribe failed: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := rec.snapshot(); len(got) != 1 {
		t.Fatalf("expected only the first message, got %v", got)
	}
}

func testUnsubscribeIdempotent(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "requests:idem", func(context.Context, []byte) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	unsubscribe(t, sub)
	unsubscribe(t, sub)
}

func testCloseReportsLost(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "requests:lost", func(context.Context, []byte) {})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case <-sub.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("Done not closed after broker Close")
	}
	if err := sub.Err(); !errors.Is(err, broker.ErrSubscriptionLost) {
		t.Fatalf("expected ErrSubscriptionLost, got %v", err)
	}
	if err := b.Publish(ctx, "requests:lost", []byte("x"), time.Minute); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
}

func unsubscribe(t *testing.T, sub broker.Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := sub.Unsubscribe(ctx); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
}

func cleanupBroker(t *testing.T, b broker.Broker) {
	t.Helper()
	if err := b.Close(); err != nil {
		t.Logf("Warning: failed to close broker: %v", err)
	}
}
