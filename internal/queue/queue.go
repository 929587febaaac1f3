// Package queue defines the interfaces for a message queue provider.
// Harvest notifications are published through a Provider so the rest of the
// application stays independent of the broker in use.
package queue

import (
	"context"
)

// Message is a single broker payload with optional string attributes.
type Message struct {
	Data       []byte
	Attributes map[string]string
}

// Provider defines the common interface for a message queue.
type Provider interface {
	// Publish sends a message to the configured topic.
	Publish(ctx context.Context, msg Message) error

	// Close flushes pending messages and releases client connections.
	Close() error
}

// NoOpProvider is a queue provider that performs no operations.
// It is used when no broker is configured.
type NoOpProvider struct{}

// Publish for NoOpProvider does nothing and returns nil.
func (n *NoOpProvider) Publish(_ context.Context, _ Message) error { return nil }

// Close for NoOpProvider does nothing and returns nil.
func (n *NoOpProvider) Close() error { return nil }
