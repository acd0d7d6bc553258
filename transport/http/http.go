// Package http is a webhook style backend: records are POSTed to
// <publisher URL><topic> and received on an HTTP server, one route per topic.
// It keeps no history and ignores consumer groups.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/chainflow/transport"
)

// TransportName is the pubsub.system value selecting this backend.
const TransportName = "http"

// PublisherFactory builds the publisher. Tests may replace it.
var PublisherFactory = func(cfg http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(cfg, logger)
}

// SubscriberFactory builds the receiving server. Tests may replace it.
var SubscriberFactory = func(addr string, cfg http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, cfg, logger)
}

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.HTTPCapabilities)
}

// TopicURL joins the publisher base URL and topic.
func TopicURL(base, topic string) string {
	if base == "" || strings.HasSuffix(base, "/") {
		return base + topic
	}
	return base + "/" + topic
}

// Build creates the publisher and, when a server address is configured, the
// receiving server. The server starts after the first Subscribe so the
// topic route exists before requests arrive.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	base := cfg.GetHTTPPublisherURL()
	publisher, err := PublisherFactory(http.PublisherConfig{
		MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
			return http.DefaultMarshalMessageFunc(TopicURL(base, topic), msg)
		},
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	tr := transport.Transport{Publisher: publisher}
	addr := cfg.GetHTTPServerAddress()
	if addr == "" {
		tr.NewSubscriber = func(string) (message.Subscriber, error) {
			return nil, errors.New("http server address is required to consume")
		}
		return tr, nil
	}

	sub, err := SubscriberFactory(addr, http.SubscriberConfig{
		UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	server := &lazyServer{Subscriber: sub, logger: logger}
	tr.NewSubscriber = transport.Shared(server)
	tr.Closer = sub.Close
	return tr, nil
}

type serverStarter interface {
	StartHTTPServer() error
}

// lazyServer starts the underlying HTTP server after the first route is
// registered.
type lazyServer struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	once   sync.Once
}

func (s *lazyServer) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	msgs, err := s.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		starter, ok := s.Subscriber.(serverStarter)
		if !ok {
			return
		}
		go func() {
			if err := starter.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				s.logger.Error("HTTP subscriber server stopped", err, nil)
			}
		}()
	})
	return msgs, nil
}
