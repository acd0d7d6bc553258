// Package io is the file event log backend: records from every topic are
// appended as JSON lines to a single file. Each subscription replays the file
// from the start and then follows it, so every consumer group sees the full
// log in append order.
package io

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
	"github.com/drblury/chainflow/transport"
)

// TransportName is the pubsub.system value selecting this backend.
const TransportName = "io"

// DefaultFilePath is used when io.file is not configured.
const DefaultFilePath = "chainflow-events.jsonl"

const (
	defaultPollInterval = 50 * time.Millisecond
	defaultNackDelay    = 500 * time.Millisecond
)

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.IOCapabilities)
}

// Build creates a file backed transport on cfg.GetIOFile().
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.GetIOFile()
	if path == "" {
		path = DefaultFilePath
	}
	pub, err := NewPublisher(path)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher: pub,
		NewSubscriber: func(groupID string) (message.Subscriber, error) {
			return NewSubscriber(path, groupID, logger), nil
		},
	}, nil
}

// Record is one line of the log file.
type Record struct {
	UUID      string            `json:"uuid"`
	Topic     string            `json:"topic"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Payload   []byte            `json:"payload"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Publisher appends records to the log file.
type Publisher struct {
	path   string
	mu     sync.Mutex
	closed bool
}

// NewPublisher creates the log file if it does not exist.
func NewPublisher(path string) (*Publisher, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return &Publisher{path: path}, nil
}

// Publish appends msgs in one write so a batch is never interleaved with
// another publisher's records.
func (p *Publisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("publisher closed")
	}

	var buf []byte
	now := time.Now().UTC()
	for _, msg := range msgs {
		line, err := jsoncodec.Marshal(Record{
			UUID:      msg.UUID,
			Topic:     topic,
			Metadata:  msg.Metadata,
			Payload:   msg.Payload,
			CreatedAt: now,
		})
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Subscriber follows the log file for one consumer group.
type Subscriber struct {
	path         string
	groupID      string
	logger       watermill.LoggerAdapter
	PollInterval time.Duration
	NackDelay    time.Duration

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSubscriber creates a follower of path for groupID.
func NewSubscriber(path, groupID string, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{
		path:         path,
		groupID:      groupID,
		logger:       logger.With(watermill.LogFields{"consumer_group": groupID}),
		PollInterval: defaultPollInterval,
		NackDelay:    defaultNackDelay,
		closing:      make(chan struct{}),
	}
}

// Subscribe replays topic from the start of the file and then waits for new
// records. A nacked record is redelivered after NackDelay before the next
// record is read.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, errors.New("subscriber closed")
	default:
	}

	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer f.Close()
		s.follow(ctx, f, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) follow(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		if errors.Is(err, io.EOF) {
			// wait for the writer to finish the line
			if !s.sleep(ctx, s.PollInterval) {
				return
			}
			continue
		}
		if err != nil {
			s.logger.Error("Failed to read event log", err, watermill.LogFields{"path": s.path})
			return
		}

		line := partial
		partial = nil
		var rec Record
		if err := jsoncodec.Unmarshal(line, &rec); err != nil {
			s.logger.Error("Skipping malformed log line", err, watermill.LogFields{"path": s.path})
			continue
		}
		if rec.Topic != topic {
			continue
		}
		if !s.deliver(ctx, rec, out) {
			return
		}
	}
}

func (s *Subscriber) deliver(ctx context.Context, rec Record, out chan<- *message.Message) bool {
	for {
		msg := message.NewMessage(rec.UUID, rec.Payload)
		for k, v := range rec.Metadata {
			msg.Metadata.Set(k, v)
		}
		msg.SetContext(ctx)

		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		}

		select {
		case <-msg.Acked():
			return true
		case <-msg.Nacked():
			s.logger.Debug("Redelivering nacked record", watermill.LogFields{"uuid": rec.UUID, "topic": rec.Topic})
			if !s.sleep(ctx, s.NackDelay) {
				return false
			}
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		}
	}
}

func (s *Subscriber) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	}
}

// Close stops every follower and waits for them to exit.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.wg.Wait()
	return nil
}
