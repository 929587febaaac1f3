// Package queue_test contains unit tests for the queue package.
package queue_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/imgharvest/internal/queue"
)

func newFakeClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	return srv, client
}

func TestPubSubProvider_PublishAndClose(t *testing.T) {
	ctx := context.Background()
	srv, client := newFakeClient(t)

	_, err := client.CreateTopic(ctx, "artifacts")
	require.NoError(t, err)

	provider, err := queue.NewPubSubProviderWithClient(ctx, client, "artifacts")
	require.NoError(t, err)
	provider.Confirm = true

	err = provider.Publish(ctx, queue.Message{
		Data:       []byte(`{"key":"a.jpg"}`),
		Attributes: map[string]string{"category": "catA"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(srv.Messages()) == 1 }, time.Second, 10*time.Millisecond)
	msg := srv.Messages()[0]
	assert.Equal(t, `{"key":"a.jpg"}`, string(msg.Data))
	assert.Equal(t, "catA", msg.Attributes["category"])

	assert.NoError(t, provider.Close())
}

func TestPubSubProvider_MissingTopic(t *testing.T) {
	_, client := newFakeClient(t)
	defer client.Close()

	_, err := queue.NewPubSubProviderWithClient(context.Background(), client, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestNoOpProvider(t *testing.T) {
	var p queue.Provider = &queue.NoOpProvider{}
	assert.NoError(t, p.Publish(context.Background(), queue.Message{Data: []byte("x")}))
	assert.NoError(t, p.Close())
}
