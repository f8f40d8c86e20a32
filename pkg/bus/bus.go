// Package bus defines the publish/subscribe channel that carries replication
// messages between processes. Delivery is at-most-once and best effort.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Handler receives the payload of one message. Handlers of one subscription
// are called sequentially in delivery order.
type Handler func(channel, payload string)

// Subscription is an active subscription.
type Subscription interface {
	// Close stops delivery. It is safe to call more than once.
	Close() error
}

// Bus publishes and subscribes to named channels.
type Bus interface {
	// Publish sends payload on channel.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe delivers every message published on channel to handler
	// until the subscription or the bus is closed. Implementations
	// re-subscribe on their own when the underlying connection is replaced.
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)

	// Name identifies the implementation in logs ("redis", "nats", "local").
	Name() string

	// Close closes every subscription and releases the connection.
	Close() error
}
