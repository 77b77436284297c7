package signal

import "context"

// Relay is the only surface this package needs from the pub/sub
// transport. Implementations deliver published bytes to every subscriber
// of a topic — depending on the backend that includes the publisher
// itself, so receivers are responsible for echo filtering.
//
// Delivery is at-most-once and fire-and-forget: no acknowledgment, no
// buffering for offline subscribers, no ordering across message types.
type Relay interface {
	// Subscribe registers fn for every message published on topic and
	// returns a cancel function. Cancel is idempotent.
	Subscribe(ctx context.Context, topic string, fn func(data []byte)) (cancel func(), err error)

	// Publish broadcasts data on topic. A nil error means the message was
	// handed to the transport, not that anyone received it.
	Publish(ctx context.Context, topic string, data []byte) error

	// Close releases the transport. Subscriptions are implicitly canceled.
	Close() error
}
