// Package broker defines the pub/sub contract the relay uses to carry
// control messages from short-lived invocations to the process holding a
// session's open stream.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker closed")
	// ErrSubscriptionLost is reported by Subscription.Err when delivery
	// stopped without Unsubscribe being called.
	ErrSubscriptionLost = errors.New("subscription lost")
)

// MessageHandler processes one delivered payload. Deliveries for a single
// subscription are made one at a time, in broker order; the next payload is
// not handed over until the handler returns.
type MessageHandler func(ctx context.Context, payload []byte)

// Broker is a fire-and-forget pub/sub medium. Messages published to a topic
// reach only the subscribers present at publish time.
type Broker interface {
	// Publish sends payload on topic and sets the expiry of the key of the
	// same name to ttl. Both effects are issued concurrently and Publish
	// returns once both have been acknowledged.
	Publish(ctx context.Context, topic string, payload []byte, ttl time.Duration) error

	// Subscribe registers handler on topic. The subscription is active
	// once Subscribe returns.
	Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error)

	Close() error
}

// Subscription is a live registration on one topic.
type Subscription interface {
	// Unsubscribe stops delivery and waits for any in-flight handler call
	// to return. No payload is handed to the handler afterwards. It is
	// safe to call more than once.
	Unsubscribe(ctx context.Context) error

	// Done is closed when delivery has stopped for any reason.
	Done() <-chan struct{}

	// Err reports why delivery stopped: nil while active or after
	// Unsubscribe, the context error if the subscribe context ended, and
	// ErrSubscriptionLost when the broker dropped the subscription.
	Err() error
}
