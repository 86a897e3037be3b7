package pubsub

import "context"

// Message is a raw payload received from the broker.
type Message struct {
	Channel string
	Pattern string // set when delivered through a pattern subscription
	Payload []byte
}

// Publisher publishes payloads to the broker.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber subscribes to payloads from the broker. The returned channel is
// closed when the subscription ends, either because ctx is done, Unsubscribe
// was called, or the driver lost the subscription; callers resubscribe in the
// last case.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan *Message, error)
	SubscribePattern(ctx context.Context, pattern string) (<-chan *Message, error)
	Unsubscribe(ctx context.Context, channel string) error
}

// PubSub combines Publisher and Subscriber interfaces.
type PubSub interface {
	Publisher
	Subscriber
	Close() error
}
