package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	"github.com/drblury/chainflow/internal/runtime/events"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/chainflow/internal/runtime/metadata"
	"github.com/drblury/chainflow/internal/runtime/schema"
)

// ErrConsumerGroupRequired is returned by CreateConsumer without a group id.
var ErrConsumerGroupRequired = errors.New("chainflow: consumer group id is required")

// Delivery is one consumed record. Framed records carried a schema header
// and Event holds the decoded event. Other records only carry Raw.
type Delivery struct {
	Topic    string
	GroupID  string
	Event    events.BaseEvent
	SchemaID uint32
	Framed   bool
	Raw      []byte
	Metadata metadatapkg.Metadata
}

// ConsumerHandler handles a delivery. A record may be handed to the handlers
// again after a failure.
type ConsumerHandler func(ctx context.Context, d Delivery) error

// Consumer reads topics as one consumer group and runs each record through
// the middleware chain and its handlers. Handler errors are logged and
// counted, then the record is acked.
type Consumer struct {
	topics  []string
	groupID string
	schemas *schema.Manager
	metrics *PipelineMetrics
	logger  loggingpkg.ServiceLogger
	chain   message.HandlerFunc

	mu       sync.RWMutex
	handlers []ConsumerHandler

	cancel    context.CancelFunc
	done      chan struct{}
	processed atomic.Uint64
	failed    atomic.Uint64
}

// CreateConsumer subscribes groupID to topics and starts consuming in the
// background. The consumer stops when ctx ends or Close is called.
func (p *Persistence) CreateConsumer(ctx context.Context, topics []string, groupID string, handlers ...ConsumerHandler) (*Consumer, error) {
	if len(topics) == 0 {
		return nil, errspkg.ErrTopicRequired
	}
	if groupID == "" {
		return nil, ErrConsumerGroupRequired
	}

	c := &Consumer{
		topics:   append([]string(nil), topics...),
		groupID:  groupID,
		schemas:  p.schemas,
		metrics:  p.metrics,
		logger:   p.logger.With(loggingpkg.LogFields{"group_id": groupID}),
		handlers: append([]ConsumerHandler(nil), handlers...),
		done:     make(chan struct{}),
	}
	chain, err := p.buildChain(groupID, c.handle)
	if err != nil {
		return nil, err
	}
	c.chain = chain

	runCtx, cancel := context.WithCancel(ctx)
	stream, err := p.log.Subscribe(runCtx, c.topics, groupID)
	if err != nil {
		cancel()
		return nil, err
	}
	c.cancel = cancel

	p.mu.Lock()
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()

	go c.run(runCtx, stream)
	c.logger.Info("Consumer started", loggingpkg.LogFields{"topics": c.topics})
	return c, nil
}

func (c *Consumer) run(ctx context.Context, stream <-chan *message.Message) {
	defer close(c.done)
	for msg := range stream {
		msg.SetContext(ctx)
		topic := msg.Metadata.Get(metadatapkg.KeyTopic)

		_, err := c.chain(msg)
		if err != nil && ctx.Err() != nil {
			// shutting down: leave the record for the next consumer
			msg.Nack()
			return
		}

		c.metrics.RecordConsumed(topic, c.groupID, err)
		if err != nil {
			c.failed.Add(1)
			c.logger.Error("Failed to handle record", err, loggingpkg.LogFields{
				"topic":        topic,
				"message_uuid": msg.UUID,
				"event_id":     msg.Metadata.Get(metadatapkg.KeyEventID),
			})
		} else {
			c.processed.Add(1)
		}
		msg.Ack()
	}
}

func (c *Consumer) handle(msg *message.Message) ([]*message.Message, error) {
	d, err := c.decode(msg)
	if err != nil {
		return nil, &UnprocessableEventError{Topic: d.Topic, Err: err}
	}

	c.mu.RLock()
	handlers := c.handlers
	c.mu.RUnlock()

	for _, h := range handlers {
		if err := h(msg.Context(), d); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (c *Consumer) decode(msg *message.Message) (Delivery, error) {
	md := metadatapkg.FromMessage(msg)
	d := Delivery{
		Topic:    md.Get(metadatapkg.KeyTopic),
		GroupID:  c.groupID,
		Raw:      msg.Payload,
		Metadata: md,
	}
	if _, err := schema.SchemaIDOf(msg.Payload); err != nil {
		return d, nil
	}
	event, id, err := c.schemas.Decode(msg.Context(), msg.Payload)
	if err != nil {
		return d, err
	}
	d.Event, d.SchemaID, d.Framed = event, id, true
	return d, nil
}

// AddHandler appends h. It applies to records handled after the call.
func (c *Consumer) AddHandler(h ConsumerHandler) {
	c.mu.Lock()
	c.handlers = append(append([]ConsumerHandler(nil), c.handlers...), h)
	c.mu.Unlock()
}

// Topics returns the subscribed topics.
func (c *Consumer) Topics() []string {
	return append([]string(nil), c.topics...)
}

func (c *Consumer) GroupID() string { return c.groupID }

// Done is closed once the consumer has stopped.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// Processed counts records handled without error.
func (c *Consumer) Processed() uint64 { return c.processed.Load() }

// Failed counts records whose handling failed.
func (c *Consumer) Failed() uint64 { return c.failed.Load() }

// Close stops consuming and waits for the in-flight record.
func (c *Consumer) Close() {
	c.cancel()
	<-c.done
}
