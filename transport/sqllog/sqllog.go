// Package sqllog is an append-only event log on a SQL database. Records live
// in one table ordered by an auto-increment sequence; each consumer group
// stores the last sequence it acknowledged per topic, so a group resumes where
// it stopped and can be rewound for replay.
//
// The sqlite and postgres backends are thin wrappers choosing a Dialect.
package sqllog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
	"github.com/drblury/chainflow/internal/runtime/metadata"
	"github.com/drblury/chainflow/transport"
)

const (
	DefaultTablePrefix  = "chainflow"
	DefaultPollInterval = 100 * time.Millisecond
	DefaultBatchSize    = 100
	DefaultNackDelay    = time.Second
)

var tablePrefixPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("sql event log closed")

// Dialect captures the differences between SQL engines.
type Dialect struct {
	Name string
	// Schema returns the DDL statements for the given table prefix.
	Schema func(prefix string) []string
	// Numbered placeholders ($1, $2) instead of ?.
	Numbered bool
}

// Config tunes table naming and polling.
type Config struct {
	TablePrefix  string
	PollInterval time.Duration
	BatchSize    int
	NackDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.TablePrefix == "" {
		c.TablePrefix = DefaultTablePrefix
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.NackDelay <= 0 {
		c.NackDelay = DefaultNackDelay
	}
	return c
}

type queries struct {
	insert    string
	fetch     string
	offset    string
	setOffset string
	lag       string
}

func buildQueries(prefix string, numbered bool) queries {
	events, offsets := prefix+"_events", prefix+"_offsets"
	q := queries{
		insert: "INSERT INTO " + events + " (uuid, topic, partition_key, payload, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		fetch:  "SELECT seq, uuid, payload, metadata FROM " + events + " WHERE topic = ? AND seq > ? ORDER BY seq LIMIT ?",
		offset: "SELECT last_seq FROM " + offsets + " WHERE group_id = ? AND topic = ?",
		setOffset: "INSERT INTO " + offsets + " (group_id, topic, last_seq, updated_at) VALUES (?, ?, ?, ?) " +
			"ON CONFLICT (group_id, topic) DO UPDATE SET last_seq = excluded.last_seq, updated_at = excluded.updated_at",
		lag: "SELECT COUNT(*) FROM " + events + " WHERE topic = ? AND seq > ?",
	}
	if numbered {
		q.insert = rebind(q.insert)
		q.fetch = rebind(q.fetch)
		q.offset = rebind(q.offset)
		q.setOffset = rebind(q.setOffset)
		q.lag = rebind(q.lag)
	}
	return q
}

// rebind rewrites ? placeholders as $1, $2, ... The queries above never
// contain a literal question mark.
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Log is a message.Publisher and a factory of group subscribers over one
// database. It implements transport.OffsetStore.
type Log struct {
	db      *sql.DB
	dialect Dialect
	cfg     Config
	q       queries
	logger  watermill.LoggerAdapter

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ transport.OffsetStore = (*Log)(nil)

// New creates the tables if needed. The log owns db and closes it on Close.
func New(ctx context.Context, db *sql.DB, dialect Dialect, cfg Config, logger watermill.LoggerAdapter) (*Log, error) {
	cfg = cfg.withDefaults()
	if !tablePrefixPattern.MatchString(cfg.TablePrefix) {
		return nil, fmt.Errorf("invalid table prefix %q", cfg.TablePrefix)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	for _, stmt := range dialect.Schema(cfg.TablePrefix) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("create %s schema: %w", dialect.Name, err)
		}
	}
	return &Log{
		db:      db,
		dialect: dialect,
		cfg:     cfg,
		q:       buildQueries(cfg.TablePrefix, dialect.Numbered),
		logger:  logger.With(watermill.LogFields{"backend": dialect.Name}),
		closing: make(chan struct{}),
	}, nil
}

// Transport exposes the log through the transport contract.
func (l *Log) Transport() transport.Transport {
	return transport.Transport{
		Publisher: l,
		NewSubscriber: func(groupID string) (message.Subscriber, error) {
			return l.Subscriber(groupID), nil
		},
		Offsets: l,
	}
}

func (l *Log) isClosed() bool {
	select {
	case <-l.closing:
		return true
	default:
		return false
	}
}

// Publish appends msgs to topic in one transaction.
func (l *Log) Publish(topic string, msgs ...*message.Message) (err error) {
	if l.isClosed() {
		return ErrClosed
	}
	ctx := context.Background()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin publish: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := time.Now().UTC()
	for _, msg := range msgs {
		meta, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		payload := msg.Payload
		if payload == nil {
			payload = []byte{}
		}
		if _, err := tx.ExecContext(ctx, l.q.insert,
			msg.UUID, topic, msg.Metadata.Get(metadata.KeyPartitionKey), payload, string(meta), now,
		); err != nil {
			return fmt.Errorf("insert %s: %w", msg.UUID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish: %w", err)
	}
	return nil
}

// Offset returns the last sequence groupID acknowledged on topic, 0 when the
// group never consumed it.
func (l *Log) Offset(ctx context.Context, groupID, topic string) (int64, error) {
	var seq int64
	err := l.db.QueryRowContext(ctx, l.q.offset, groupID, topic).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// SetOffset moves groupID on topic. Setting 0 replays the topic from the
// start on the next subscription.
func (l *Log) SetOffset(ctx context.Context, groupID, topic string, offset int64) error {
	_, err := l.db.ExecContext(ctx, l.q.setOffset, groupID, topic, offset, time.Now().UTC())
	return err
}

// Lag counts records on topic after the group's offset.
func (l *Log) Lag(ctx context.Context, groupID, topic string) (int64, error) {
	offset, err := l.Offset(ctx, groupID, topic)
	if err != nil {
		return 0, err
	}
	var n int64
	err = l.db.QueryRowContext(ctx, l.q.lag, topic, offset).Scan(&n)
	return n, err
}

type record struct {
	seq      int64
	uuid     string
	payload  []byte
	metadata string
}

func (l *Log) fetch(ctx context.Context, topic string, after int64) ([]record, error) {
	rows, err := l.db.QueryContext(ctx, l.q.fetch, topic, after, l.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record
	for rows.Next() {
		var r record
		if err := rows.Scan(&r.seq, &r.uuid, &r.payload, &r.metadata); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Subscriber returns a subscriber consuming as groupID. Run one subscription
// per group and topic at a time; the offset is not locked.
func (l *Log) Subscriber(groupID string) message.Subscriber {
	return &groupSubscriber{log: l, groupID: groupID, closing: make(chan struct{})}
}

// Close stops every subscription and closes the database.
func (l *Log) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closing)
		l.wg.Wait()
		err = l.db.Close()
	})
	return err
}

type groupSubscriber struct {
	log       *Log
	groupID   string
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *groupSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if s.log.isClosed() {
		return nil, ErrClosed
	}
	offset, err := s.log.Offset(ctx, s.groupID, topic)
	if err != nil {
		return nil, fmt.Errorf("load offset: %w", err)
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	s.log.wg.Add(1)
	go func() {
		defer s.log.wg.Done()
		defer s.wg.Done()
		defer close(out)
		s.consume(ctx, topic, offset, out)
	}()
	return out, nil
}

func (s *groupSubscriber) consume(ctx context.Context, topic string, offset int64, out chan<- *message.Message) {
	logger := s.log.logger.With(watermill.LogFields{"consumer_group": s.groupID, "topic": topic})
	for {
		batch, err := s.log.fetch(ctx, topic, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Failed to fetch records", err, nil)
		}
		if len(batch) == 0 {
			if !s.wait(ctx, s.log.cfg.PollInterval) {
				return
			}
			continue
		}
		for _, rec := range batch {
			if !s.deliver(ctx, topic, rec, out, logger) {
				return
			}
			offset = rec.seq
		}
	}
}

// deliver blocks until rec is acked, redelivering it after a nack. The
// offset is committed on ack.
func (s *groupSubscriber) deliver(ctx context.Context, topic string, rec record, out chan<- *message.Message, logger watermill.LoggerAdapter) bool {
	for {
		msg := message.NewMessage(rec.uuid, rec.payload)
		if rec.metadata != "" {
			meta := map[string]string{}
			if err := jsoncodec.Unmarshal([]byte(rec.metadata), &meta); err != nil {
				logger.Error("Failed to decode record metadata", err, watermill.LogFields{"seq": rec.seq})
			}
			for k, v := range meta {
				msg.Metadata.Set(k, v)
			}
		}
		msg.SetContext(ctx)

		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		case <-s.log.closing:
			return false
		}

		select {
		case <-msg.Acked():
			s.commit(ctx, topic, rec.seq, logger)
			return true
		case <-msg.Nacked():
			logger.Debug("Redelivering nacked record", watermill.LogFields{"seq": rec.seq, "uuid": rec.uuid})
			if !s.wait(ctx, s.log.cfg.NackDelay) {
				return false
			}
		case <-ctx.Done():
			s.commitIfAcked(ctx, topic, rec.seq, msg, logger)
			return false
		case <-s.closing:
			s.commitIfAcked(ctx, topic, rec.seq, msg, logger)
			return false
		case <-s.log.closing:
			s.commitIfAcked(ctx, topic, rec.seq, msg, logger)
			return false
		}
	}
}

func (s *groupSubscriber) commit(ctx context.Context, topic string, seq int64, logger watermill.LoggerAdapter) {
	if err := s.log.SetOffset(context.WithoutCancel(ctx), s.groupID, topic, seq); err != nil {
		logger.Error("Failed to commit offset", err, watermill.LogFields{"seq": seq})
	}
}

// commitIfAcked covers an ack racing with shutdown.
func (s *groupSubscriber) commitIfAcked(ctx context.Context, topic string, seq int64, msg *message.Message, logger watermill.LoggerAdapter) {
	select {
	case <-msg.Acked():
		s.commit(ctx, topic, seq, logger)
	default:
	}
}

func (s *groupSubscriber) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-s.closing:
		return false
	case <-s.log.closing:
		return false
	}
}

func (s *groupSubscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.wg.Wait()
	return nil
}
