package http

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chainflow/transport"
	"github.com/drblury/chainflow/transport/transporttest"
)

func stubFactories(t *testing.T) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = origPub
		SubscriberFactory = origSub
	})
}

type startableSubscriber struct {
	transporttest.Subscriber
	started chan struct{}
}

func (s *startableSubscriber) StartHTTPServer() error {
	close(s.started)
	return nil
}

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "http", caps.Name)
	assert.False(t, caps.Durable)
}

func TestTopicURL(t *testing.T) {
	assert.Equal(t, "http://ingest:8080/events.NFT_SALE", TopicURL("http://ingest:8080/", "events.NFT_SALE"))
	assert.Equal(t, "http://ingest:8080/events.NFT_SALE", TopicURL("http://ingest:8080", "events.NFT_SALE"))
}

func TestPublisherTargetsTopicRoute(t *testing.T) {
	stubFactories(t)
	PublisherFactory = func(cfg watermillhttp.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		req, err := cfg.MarshalMessageFunc("events.NFT_MINT", message.NewMessage("m-1", []byte(`{}`)))
		require.NoError(t, err)
		assert.Equal(t, "http://ingest:8080/events.NFT_MINT", req.URL.String())
		return &transporttest.Publisher{}, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{HTTPPublisherURL: "http://ingest:8080"}, watermill.NopLogger{})
	require.NoError(t, err)

	_, err = tr.Subscriber("any")
	assert.ErrorContains(t, err, "server address is required")
}

func TestServerStartsAfterFirstSubscribe(t *testing.T) {
	stubFactories(t)
	sub := &startableSubscriber{started: make(chan struct{})}
	PublisherFactory = func(watermillhttp.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return &transporttest.Publisher{}, nil
	}
	SubscriberFactory = func(addr string, _ watermillhttp.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, ":8090", addr)
		return sub, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{HTTPServerAddress: ":8090"}, watermill.NopLogger{})
	require.NoError(t, err)

	s, err := tr.Subscriber("g")
	require.NoError(t, err)
	_, err = s.Subscribe(context.Background(), "events.NFT_SALE")
	require.NoError(t, err)
	_, err = s.Subscribe(context.Background(), "events.NFT_MINT")
	require.NoError(t, err)

	<-sub.started
	assert.Equal(t, []string{"events.NFT_SALE", "events.NFT_MINT"}, sub.Topics)
}

func TestBuildSubscriberError(t *testing.T) {
	stubFactories(t)
	PublisherFactory = func(watermillhttp.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return &transporttest.Publisher{}, nil
	}
	SubscriberFactory = func(string, watermillhttp.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("listen tcp :8090: address already in use")
	}

	_, err := Build(context.Background(), &transporttest.Config{HTTPServerAddress: ":8090"}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "address already in use")
}
