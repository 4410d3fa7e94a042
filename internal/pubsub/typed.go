package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
)

// Topic binds a topic name to the payload type carried on it.
type Topic[T any] struct {
	name string
}

// NewTopic declares a typed topic.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the topic name.
func (t Topic[T]) Name() string {
	return t.name
}

// Publish sends payload as JSON on topic.
func Publish[T any](ctx context.Context, p Publisher, topic Topic[T], sender string, payload T, metadata map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic.name, err)
	}
	return p.Publish(ctx, Message{
		Topic:    topic.name,
		Sender:   sender,
		Payload:  data,
		Metadata: metadata,
	})
}

// Decode unmarshals a message received on topic.
func Decode[T any](topic Topic[T], msg Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s payload: %w", topic.name, err)
	}
	return v, nil
}
