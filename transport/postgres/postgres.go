// Package postgres is the PostgreSQL event log backend.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq"

	"github.com/drblury/chainflow/transport"
	"github.com/drblury/chainflow/transport/sqllog"
)

// TransportName is the pubsub.system value selecting this backend.
const TransportName = "postgres"

// Dialect is the PostgreSQL flavour of the event log schema.
var Dialect = sqllog.Dialect{
	Name:     TransportName,
	Numbered: true,
	Schema: func(prefix string) []string {
		return []string{
			`CREATE TABLE IF NOT EXISTS ` + prefix + `_events (
				seq BIGSERIAL PRIMARY KEY,
				uuid TEXT NOT NULL,
				topic TEXT NOT NULL,
				partition_key TEXT NOT NULL DEFAULT '',
				payload BYTEA,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS ` + prefix + `_events_topic_seq ON ` + prefix + `_events (topic, seq)`,
			`CREATE TABLE IF NOT EXISTS ` + prefix + `_offsets (
				group_id TEXT NOT NULL,
				topic TEXT NOT NULL,
				last_seq BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL,
				PRIMARY KEY (group_id, topic)
			)`,
		}
	},
}

// Opener opens the database. Tests may replace it.
var Opener = func(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

// Pool sizes the connection pool.
type Pool struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPool suits one pipeline node.
var DefaultPool = Pool{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: 5 * time.Minute}

func init() {
	Register()
}

// Register adds the backend under "postgres" and the "postgresql" alias.
func Register() {
	transport.Register(TransportName, Build, transport.PostgresCapabilities)
	transport.Register("postgresql", Build, transport.PostgresCapabilities)
}

// New connects to dsn, verifies the connection and creates the tables.
func New(ctx context.Context, dsn string, pool Pool, cfg sqllog.Config, logger watermill.LoggerAdapter) (*sqllog.Log, error) {
	if dsn == "" {
		return nil, errors.New("postgres url is required")
	}
	db, err := Opener(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	log, err := sqllog.New(ctx, db, Dialect, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

// Build creates the transport on cfg.GetPostgresURL().
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	log, err := New(ctx, cfg.GetPostgresURL(), DefaultPool, sqllog.Config{}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return log.Transport(), nil
}
