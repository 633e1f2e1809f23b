package pubsub

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPublishDeliversJSON(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)

	topic, err := client.CreateTopic(ctx, "changes")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "changes-sub", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	pub := New(client)
	id, err := pub.Publish(ctx, "changes", map[string]any{"target_id": "t1", "diff_percent": 42.0})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"target_id":"t1","diff_percent":42}`, string(msgs[0].Data))

	require.NoError(t, pub.Close())
}

func TestCarrierRoundTrip(t *testing.T) {
	c := &pubsubCarrier{attrs: map[string]string{}}
	otel.SetTextMapPropagator(propagation.TraceContext{})
	c.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	assert.Equal(t, []string{"traceparent"}, c.Keys())
	assert.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", c.Get("traceparent"))
	assert.Empty(t, c.Get("missing"))
}

func TestPublishWithoutClient(t *testing.T) {
	var p *Publisher
	_, err := p.Publish(context.Background(), "t", "x")
	require.Error(t, err)
}
