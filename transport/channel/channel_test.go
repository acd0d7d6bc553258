package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chainflow/transport"
	"github.com/drblury/chainflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.Ordering)
	assert.False(t, caps.Durable)
}

func TestLateSubscriberReceivesEarlierRecords(t *testing.T) {
	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	require.NoError(t, tr.Publisher.Publish("events.NFT_SALE", message.NewMessage("m-1", []byte("sale"))))

	sub, err := tr.Subscriber("indexer")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msgs, err := sub.Subscribe(ctx, "events.NFT_SALE")
	require.NoError(t, err)

	select {
	case msg := <-msgs:
		assert.Equal(t, "m-1", msg.UUID)
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("record was not delivered")
	}
}

func TestBuildUsesFactory(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	Factory = func(cfg gochannel.Config, _ watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		assert.True(t, cfg.Persistent)
		return pub, sub
	}

	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)

	got, err := tr.Subscriber("any")
	require.NoError(t, err)
	assert.Same(t, sub, got)

	require.NoError(t, tr.Close())
	assert.True(t, pub.Closed)
	assert.True(t, sub.Closed)
}
