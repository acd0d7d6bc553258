// Package eventlog is the record-level contract the pipeline persists to and
// consumes from: append a keyed payload to a topic, subscribe to topics as a
// consumer group. WatermillLog satisfies it on top of any registered
// transport, so the pipeline never depends on one broker product.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	idspkg "github.com/drblury/chainflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/chainflow/internal/runtime/metadata"
	"github.com/drblury/chainflow/transport"
)

// EventLog appends records and streams them back per consumer group.
type EventLog interface {
	// Append writes payload to topic. key decides the partition on brokers
	// that partition by key.
	Append(ctx context.Context, topic, key string, payload []byte, md metadatapkg.Metadata) error
	// Subscribe merges topics into one stream for groupID. Every message
	// carries its topic under metadata.KeyTopic and must be acked or nacked.
	// The channel closes when ctx is done or the log is closed.
	Subscribe(ctx context.Context, topics []string, groupID string) (<-chan *message.Message, error)
	Close() error
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("chainflow: event log closed")

// WatermillLog adapts a transport.Transport to EventLog.
type WatermillLog struct {
	transport transport.Transport
	caps      transport.Capabilities
	publisher message.Publisher
	logger    loggingpkg.ServiceLogger
	metrics   *metrics.PrometheusMetricsBuilder

	mu          sync.Mutex
	subscribers map[string]message.Subscriber
	closed      bool
	wg          sync.WaitGroup
}

var _ EventLog = (*WatermillLog)(nil)

// Option configures a WatermillLog.
type Option func(*WatermillLog)

// WithCapabilities records what the underlying backend guarantees.
func WithCapabilities(caps transport.Capabilities) Option {
	return func(l *WatermillLog) { l.caps = caps }
}

// WithLogger sets the logger.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(l *WatermillLog) { l.logger = logger }
}

// WithPrometheus decorates the publisher and every subscriber with
// watermill's publish and subscribe metrics.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(l *WatermillLog) {
		if reg == nil {
			return
		}
		b := metrics.NewPrometheusMetricsBuilder(reg, "chainflow", "eventlog")
		l.metrics = &b
	}
}

// NewWatermillLog wraps tr. The log takes ownership of tr and closes it.
func NewWatermillLog(tr transport.Transport, opts ...Option) (*WatermillLog, error) {
	if tr.Publisher == nil {
		return nil, errspkg.ErrEventLogRequired
	}
	l := &WatermillLog{
		transport:   tr,
		publisher:   tr.Publisher,
		subscribers: make(map[string]message.Subscriber),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = loggingpkg.ForComponent(l.logger, "eventlog")

	if l.metrics != nil {
		pub, err := l.metrics.DecoratePublisher(l.publisher)
		if err != nil {
			return nil, fmt.Errorf("decorate publisher: %w", err)
		}
		l.publisher = pub
	}
	return l, nil
}

// Capabilities reports the guarantees of the underlying backend.
func (l *WatermillLog) Capabilities() transport.Capabilities { return l.caps }

// Offsets exposes consumer group positions when the backend stores them.
func (l *WatermillLog) Offsets() (transport.OffsetStore, bool) {
	return l.transport.Offsets, l.transport.Offsets != nil
}

// Append publishes one record. Each append gets a fresh message id, so
// appending the same event twice stores two records.
func (l *WatermillLog) Append(ctx context.Context, topic, key string, payload []byte, md metadatapkg.Metadata) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata = metadatapkg.RecordHeaders(md, topic, key)
	msg.SetContext(ctx)
	return l.publisher.Publish(topic, msg)
}

func (l *WatermillLog) subscriber(groupID string) (message.Subscriber, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if sub, ok := l.subscribers[groupID]; ok {
		return sub, nil
	}
	sub, err := l.transport.Subscriber(groupID)
	if err != nil {
		return nil, fmt.Errorf("subscriber for group %q: %w", groupID, err)
	}
	if l.metrics != nil {
		if sub, err = l.metrics.DecorateSubscriber(sub); err != nil {
			return nil, fmt.Errorf("decorate subscriber: %w", err)
		}
	}
	l.subscribers[groupID] = sub
	return sub, nil
}

// Subscribe builds the group's subscriber on first use and fans the topic
// streams into one channel.
func (l *WatermillLog) Subscribe(ctx context.Context, topics []string, groupID string) (<-chan *message.Message, error) {
	if len(topics) == 0 {
		return nil, errspkg.ErrTopicRequired
	}
	sub, err := l.subscriber(groupID)
	if err != nil {
		return nil, err
	}

	streams := make([]<-chan *message.Message, 0, len(topics))
	for _, topic := range topics {
		ch, err := sub.Subscribe(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		streams = append(streams, ch)
	}

	out := make(chan *message.Message)
	var fan sync.WaitGroup
	for i, ch := range streams {
		fan.Add(1)
		go func(topic string, in <-chan *message.Message) {
			defer fan.Done()
			forward(ctx, topic, in, out)
		}(topics[i], ch)
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fan.Wait()
		close(out)
	}()

	l.logger.Debug("Subscribed", loggingpkg.LogFields{"topics": topics, "group_id": groupID})
	return out, nil
}

func forward(ctx context.Context, topic string, in <-chan *message.Message, out chan<- *message.Message) {
	for {
		select {
		case msg, ok := <-in:
			if !ok {
				return
			}
			msg.Metadata.Set(metadatapkg.KeyTopic, topic)
			select {
			case out <- msg:
			case <-ctx.Done():
				msg.Nack()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close closes every group subscriber, then the transport. Streams end once
// their subscribers stop.
func (l *WatermillLog) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	subs := l.subscribers
	l.subscribers = nil
	l.mu.Unlock()

	var errs []error
	closedSubs := make(map[message.Subscriber]struct{}, len(subs))
	for group, sub := range subs {
		// backends without consumer groups hand every group the same subscriber
		if _, done := closedSubs[sub]; done {
			continue
		}
		closedSubs[sub] = struct{}{}
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber %s: %w", group, err))
		}
	}
	if err := l.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	l.wg.Wait()
	return errors.Join(errs...)
}
