package model

import (
	"context"
)

// Store is the shared durable store holding cluster documents.
// Writes are whole-document overwrites, there is no compare-and-swap.
type Store interface {
	// Get returns the document stored at key, or ErrNotFound
	Get(ctx context.Context, key string) ([]byte, error)
	// Set overwrites the document stored at key
	Set(ctx context.Context, key string, value []byte) error
	// Append adds a record to the append-only log stored at key
	Append(ctx context.Context, key string, value []byte) error
	// Range returns the records appended at key in insertion order
	Range(ctx context.Context, key string) ([][]byte, error)
	// Ping checks the store is reachable
	Ping(ctx context.Context) error
	// Close releases the store resources
	Close() error
}

// MessageHandler handles a message received from a bus.
type MessageHandler func(msg *Message)

// Bus is the publish/subscribe bus used for heartbeat propagation.
// Delivery is best effort.
type Bus interface {
	// Publish sends the payload to every subscriber of topic
	Publish(ctx context.Context, topic string, payload any) error
	// Subscribe registers a handler for topic, the returned func unsubscribes it
	Subscribe(topic string, handler MessageHandler) (func(), error)
	// Decode decodes the raw payload into the target object
	Decode(raw any, target any) error
	// Ping checks the bus is usable
	Ping(ctx context.Context) error
	// Close releases the bus resources
	Close() error
}

// Notifier is the sink informing external consumers of role changes.
type Notifier interface {
	Notify(ctx context.Context, event RoleChangeEvent) error
}
