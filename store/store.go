// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store persists conveyor's records in SQLite: pipeline
// definitions, pipeline instances, job instances, the processed
// completion ledger, and worker credential digests.
//
// Records are stored as JSON documents alongside the handful of
// columns queries filter on. Every write is a single IMMEDIATE
// transaction. Pipeline instance updates are read-modify-write
// through UpdatePipelineInstance, so a mutator that only adds to the
// status sets composes safely with any other writer.
//
// Job instance writes are published on a change feed (Subscribe)
// after they commit. The stage trigger cascade consumes it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/conveyor/lib/clock"
	"github.com/bureau-foundation/conveyor/lib/sqlitepool"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

var migrations = []string{
	`
	CREATE TABLE pipelines (
		id         TEXT PRIMARY KEY,
		version    INTEGER NOT NULL,
		definition TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE pipeline_instances (
		id          TEXT PRIMARY KEY,
		pipeline_id TEXT NOT NULL,
		document    TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);
	CREATE INDEX pipeline_instances_by_pipeline ON pipeline_instances (pipeline_id, created_at);

	CREATE TABLE job_instances (
		id                   TEXT PRIMARY KEY,
		pipeline_instance_id TEXT NOT NULL,
		stage_id             TEXT NOT NULL,
		state                TEXT NOT NULL,
		document             TEXT NOT NULL,
		updated_at           TEXT NOT NULL
	);
	CREATE INDEX job_instances_by_stage ON job_instances (pipeline_instance_id, stage_id);
	CREATE INDEX job_instances_by_state ON job_instances (state);

	CREATE TABLE processed_completions (
		job_instance_id TEXT PRIMARY KEY,
		processed_at    TEXT NOT NULL
	);

	CREATE TABLE credentials (
		digest          TEXT PRIMARY KEY,
		job_instance_id TEXT NOT NULL,
		issued_at       TEXT NOT NULL
	);
	CREATE INDEX credentials_by_job ON credentials (job_instance_id);
	`,
}

// Config holds the parameters for Open.
type Config struct {
	// Path is the database file. The parent directory must exist.
	Path string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is the SQLite-backed record store. Safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	subscribersMu sync.Mutex
	subscribers   map[*Subscription]struct{}
}

// Open opens (creating if needed) and migrates the database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	pool, err := sqlitepool.Open(ctx, sqlitepool.Config{
		Path:       cfg.Path,
		Migrations: migrations,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &Store{
		pool:        pool,
		clock:       clk,
		logger:      logger,
		subscribers: make(map[*Subscription]struct{}),
	}, nil
}

// Close closes every subscription and the connection pool.
func (s *Store) Close() error {
	s.subscribersMu.Lock()
	for subscription := range s.subscribers {
		subscription.close()
	}
	s.subscribers = make(map[*Subscription]struct{})
	s.subscribersMu.Unlock()
	return s.pool.Close()
}

func (s *Store) now() string { return formatTime(s.clock.Now()) }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(value string) time.Time {
	parsed, _ := time.Parse(time.RFC3339Nano, value)
	return parsed
}

// write runs fn inside an IMMEDIATE transaction.
func (s *Store) write(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	return s.pool.With(ctx, func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return fmt.Errorf("store: begin transaction: %w", err)
		}
		defer endTransaction(&err)
		return fn(conn)
	})
}

// queryDocuments runs a query expected to return one TEXT column and
// decodes each row into a fresh T.
func queryDocuments[T any](conn *sqlite.Conn, query string, args ...any) ([]T, error) {
	var results []T
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			var value T
			if err := json.Unmarshal([]byte(stmt.ColumnText(0)), &value); err != nil {
				return fmt.Errorf("decoding row: %w", err)
			}
			results = append(results, value)
			return nil
		},
	})
	return results, err
}

func queryOne[T any](conn *sqlite.Conn, kind, id, query string, args ...any) (*T, error) {
	results, err := queryDocuments[T](conn, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: reading %s %s: %w", kind, id, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return &results[0], nil
}

func encode(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("store: encoding: %w", err)
	}
	return string(data), nil
}
