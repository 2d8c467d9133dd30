// Package bus provides the topic pub/sub abstraction behind cross-instance
// room broadcast.
//
// Two implementations exist: a watermill gochannel bus for single-instance
// deployments and tests, and a redis bus that fans messages out across
// gateway instances. The broadcaster treats its local subscription table as
// a projection; the bus is the source of truth for room fan-out.
package bus

import "context"

// Bus is a minimal topic-based publish/subscribe surface.
type Bus interface {
	// Publish sends payload to every subscriber of topic, across all
	// instances sharing the bus.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns a delivery channel for topic and a cancel function
	// that releases the subscription. The channel is closed after cancel.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)

	// Close releases all subscriptions and the underlying transport.
	Close() error
}
