// Package sqlite is the embedded SQL event log backend, built on the pure Go
// modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	_ "modernc.org/sqlite"

	"github.com/drblury/chainflow/transport"
	"github.com/drblury/chainflow/transport/sqllog"
)

// TransportName is the pubsub.system value selecting this backend.
const TransportName = "sqlite"

// DefaultFilePath is used when sqlite.file is not configured.
const DefaultFilePath = "chainflow.db"

// Dialect is the SQLite flavour of the event log schema.
var Dialect = sqllog.Dialect{
	Name: TransportName,
	Schema: func(prefix string) []string {
		return []string{
			`CREATE TABLE IF NOT EXISTS ` + prefix + `_events (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				uuid TEXT NOT NULL,
				topic TEXT NOT NULL,
				partition_key TEXT NOT NULL DEFAULT '',
				payload BLOB,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS ` + prefix + `_events_topic_seq ON ` + prefix + `_events (topic, seq)`,
			`CREATE TABLE IF NOT EXISTS ` + prefix + `_offsets (
				group_id TEXT NOT NULL,
				topic TEXT NOT NULL,
				last_seq INTEGER NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				PRIMARY KEY (group_id, topic)
			)`,
		}
	},
}

func init() {
	Register()
}

// Register adds the backend to the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.SQLiteCapabilities)
}

// Open opens path with a single connection so writers never contend for the
// database lock. ":memory:" gives a private in-memory log.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", p, err)
		}
	}
	return db, nil
}

// New opens path and creates the event log tables.
func New(ctx context.Context, path string, cfg sqllog.Config, logger watermill.LoggerAdapter) (*sqllog.Log, error) {
	db, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	log, err := sqllog.New(ctx, db, Dialect, cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return log, nil
}

// Build creates the transport on cfg.GetSQLiteFile().
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.GetSQLiteFile()
	if path == "" {
		path = DefaultFilePath
	}
	log, err := New(ctx, path, sqllog.Config{}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return log.Transport(), nil
}
