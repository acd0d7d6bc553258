// Package jetstream is the NATS JetStream event log backend. All topics share
// one stream; each consumer group owns a durable pull consumer per topic.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/chainflow/transport"
)

// TransportName is the pubsub.system value selecting this backend.
const TransportName = "jetstream"

const (
	DefaultStreamName = "CHAINFLOW"
	DefaultMaxAge     = 30 * 24 * time.Hour
	DefaultAckWait    = 30 * time.Second
	DefaultMaxDeliver = 5
	DefaultNakDelay   = time.Second

	// HeaderMessageUUID carries the watermill message UUID across NATS.
	HeaderMessageUUID = "chainflow_message_uuid"
)

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.JetStreamCapabilities)
}

// Connect dials NATS. Tests may replace it.
var Connect = func(url string, opts ...nats.Option) (*nats.Conn, error) {
	return nats.Connect(url, opts...)
}

// Build connects and provisions the stream.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	js, err := New(Config{URL: cfg.GetNATSURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher: js,
		NewSubscriber: func(groupID string) (message.Subscriber, error) {
			return js.Subscriber(groupID)
		},
	}, nil
}

// Config holds JetStream settings.
type Config struct {
	URL        string
	StreamName string
	// MaxAge bounds how long records are retained for replay.
	MaxAge     time.Duration
	Replicas   int
	AckWait    time.Duration
	MaxDeliver int
	// NakDelay is the redelivery delay after a nack.
	NakDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.NakDelay <= 0 {
		c.NakDelay = DefaultNakDelay
	}
	return c
}

// Transport publishes into the stream and hands out group subscribers.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	subs   []*nats.Subscription
	wg     sync.WaitGroup
}

// New connects to NATS and ensures the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("nats url is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL, nats.Name("chainflow"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	t := &Transport{nc: nc, js: js, config: cfg, logger: logger, done: make(chan struct{})}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:       t.config.StreamName,
		Subjects:   []string{t.config.StreamName + ".>"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     t.config.MaxAge,
		Replicas:   t.config.Replicas,
		Duplicates: 2 * time.Minute,
	}
	if _, err := t.js.AddStream(streamCfg); err != nil {
		if _, err := t.js.UpdateStream(streamCfg); err != nil {
			return fmt.Errorf("provision stream %s: %w", t.config.StreamName, err)
		}
	}
	return nil
}

func (t *Transport) subject(topic string) string {
	return t.config.StreamName + "." + topic
}

// durableName derives a consumer name legal in JetStream from group and topic.
func durableName(groupID, topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")
	return r.Replace(groupID + "__" + topic)
}

// Publish appends messages. The message UUID doubles as the JetStream
// message id so republishing within the duplicate window is ignored.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return errors.New("jetstream transport is closed")
	}
	for _, msg := range messages {
		if _, err := t.js.PublishMsg(toNATS(t.subject(topic), msg), nats.MsgId(msg.UUID)); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
	}
	return nil
}

// Subscriber returns a subscriber consuming as groupID.
func (t *Transport) Subscriber(groupID string) (message.Subscriber, error) {
	if groupID == "" {
		return nil, errors.New("consumer group is required")
	}
	return &groupSubscriber{t: t, group: groupID}, nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops all fetch loops and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	t.wg.Wait()
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			t.logger.Error("Failed to unsubscribe", err, nil)
		}
	}
	t.nc.Close()
	return nil
}

type groupSubscriber struct {
	t     *Transport
	group string
}

func (s *groupSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t := s.t
	if t.isClosed() {
		return nil, errors.New("jetstream transport is closed")
	}
	durable := durableName(s.group, topic)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: t.subject(topic),
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckWait:       t.config.AckWait,
		MaxDeliver:    t.config.MaxDeliver,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("provision consumer %s: %w", durable, err)
		}
	}
	sub, err := t.js.PullSubscribe(t.subject(topic), durable, nats.Bind(t.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s: %w", topic, err)
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	out := make(chan *message.Message)
	t.wg.Add(1)
	go s.fetch(ctx, sub, topic, out)
	return out, nil
}

// Close is a no-op; subscriptions end with their context or the transport.
func (s *groupSubscriber) Close() error { return nil }

func (s *groupSubscriber) fetch(ctx context.Context, sub *nats.Subscription, topic string, out chan<- *message.Message) {
	t := s.t
	defer t.wg.Done()
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		batch, err := sub.Fetch(10, nats.MaxWait(time.Second))
		if err != nil {
			if !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
				t.logger.Error("Failed to fetch records", err, watermill.LogFields{"topic": topic, "group": s.group})
			}
			continue
		}

		for _, nm := range batch {
			msg := fromNATS(nm)
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}
			select {
			case <-msg.Acked():
				if err := nm.Ack(); err != nil {
					t.logger.Error("Failed to ack record", err, nil)
				}
			case <-msg.Nacked():
				if err := nm.NakWithDelay(t.config.NakDelay); err != nil {
					t.logger.Error("Failed to nak record", err, nil)
				}
			case <-ctx.Done():
				return
			case <-t.done:
				return
			}
		}
	}
}

func toNATS(subject string, msg *message.Message) *nats.Msg {
	header := nats.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	header.Set(HeaderMessageUUID, msg.UUID)
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: header}
}

func fromNATS(nm *nats.Msg) *message.Message {
	uuid := nm.Header.Get(HeaderMessageUUID)
	if uuid == "" {
		uuid = watermill.NewULID()
	}
	msg := message.NewMessage(uuid, nm.Data)
	for k, v := range nm.Header {
		if k == HeaderMessageUUID || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}
