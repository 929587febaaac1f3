package queue

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// PubSubProvider implements the queue.Provider interface for Google Cloud Pub/Sub.
type PubSubProvider struct {
	Client *pubsub.Client
	Topic  *pubsub.Topic
	// Confirm blocks each Publish until the server acknowledges the message.
	Confirm bool
}

// NewPubSubProvider creates a new Pub/Sub client and gets a handle to the specified topic.
// It authenticates using Google Cloud's Application Default Credentials.
func NewPubSubProvider(ctx context.Context, projectID, topicID string, logger *zap.Logger) (*PubSubProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if projectID == "" || topicID == "" {
		return nil, errors.New("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}
	provider, err := NewPubSubProviderWithClient(ctx, client, topicID)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("Failed to close pubsub client after topic check failure", zap.Error(closeErr))
		}
		return nil, err
	}
	return provider, nil
}

// NewPubSubProviderWithClient binds an existing client to topicID after
// verifying the topic exists.
func NewPubSubProviderWithClient(ctx context.Context, client *pubsub.Client, topicID string) (*PubSubProvider, error) {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic existence: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %q does not exist", topicID)
	}
	return &PubSubProvider{
		Client: client,
		Topic:  topic,
	}, nil
}

// Publish sends msg to the topic. Unless Confirm is set this is fire-and-forget;
// the client batches and retries in the background.
func (p *PubSubProvider) Publish(ctx context.Context, msg Message) error {
	result := p.Topic.Publish(ctx, &pubsub.Message{
		Data:       msg.Data,
		Attributes: msg.Attributes,
	})
	if !p.Confirm {
		return nil
	}
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("pubsub publish: %w", err)
	}
	return nil
}

// Close flushes the topic's publisher and closes the underlying client connection.
func (p *PubSubProvider) Close() error {
	p.Topic.Stop()
	if err := p.Client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}
