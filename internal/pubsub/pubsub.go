// Package pubsub is the engine's message transport. Admin requests, script
// replies and external notifications travel over it as opaque payloads.
package pubsub

import (
	"context"
)

// Message is the structure passed between components on the bus.
type Message struct {
	// Topic identifies the channel the message belongs to (e.g. "scriptd.messages").
	Topic string
	// Sender names the component or client that published the message.
	Sender string
	// Payload contains the encoded message body, usually JSON.
	Payload []byte
	// Metadata carries additional key-value context such as correlation ids.
	Metadata map[string]string
}

// Handler defines the function signature for processing a received message.
type Handler func(ctx context.Context, msg Message) error

// Publisher defines the contract for sending messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber defines the contract for receiving messages.
type Subscriber interface {
	// Subscribe starts listening to the given topic and returns immediately.
	// Messages are handled in the background until ctx is cancelled or the
	// subscriber is closed.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}

// Bus is a Publisher that can also subscribe.
type Bus interface {
	Publisher
	Subscriber
}
