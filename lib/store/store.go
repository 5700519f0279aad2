// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package store is the control plane's relational state: the package
// registry, run history, and host groups, all in one SQLite database
// opened through lib/sqlitepool.
//
// Package keys never reach disk in the clear. The registry table holds
// them age-sealed to the control plane identity (lib/sealed), and they
// are unsealed only inside a registry transaction.
package store

import (
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/rollout/lib/clock"
	"github.com/bureau-foundation/rollout/lib/sealed"
	"github.com/bureau-foundation/rollout/lib/sqlitepool"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a unique constraint rejects an insert.
var ErrConflict = errors.New("store: already exists")

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	host_id       TEXT NOT NULL,
	package_uuid  TEXT NOT NULL,
	formula       TEXT NOT NULL,
	checksum      TEXT NOT NULL,
	sealed_key    TEXT NOT NULL,
	verified      INTEGER NOT NULL DEFAULT 0,
	decrypted     INTEGER NOT NULL DEFAULT 0,
	registered_at INTEGER NOT NULL,
	verified_at   INTEGER,
	decrypted_at  INTEGER,
	PRIMARY KEY (host_id, package_uuid),
	CHECK (decrypted = 0 OR verified = 1)
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	host_id      TEXT NOT NULL,
	formula      TEXT NOT NULL,
	package_uuid TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	current      INTEGER NOT NULL DEFAULT 1,
	dependencies BLOB,
	parameters   BLOB,
	output       BLOB,
	output_codec INTEGER NOT NULL DEFAULT 0,
	output_size  INTEGER NOT NULL DEFAULT 0,
	message      TEXT NOT NULL DEFAULT '',
	started_at   INTEGER NOT NULL,
	finished_at  INTEGER
);
CREATE INDEX IF NOT EXISTS runs_host_formula ON runs (host_id, formula, current);

CREATE TABLE IF NOT EXISTS host_groups (
	uuid       TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	formula    TEXT NOT NULL,
	metadata   BLOB,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS host_group_members (
	group_uuid TEXT NOT NULL REFERENCES host_groups (uuid) ON DELETE CASCADE,
	host_id    TEXT NOT NULL,
	PRIMARY KEY (group_uuid, host_id)
);
CREATE INDEX IF NOT EXISTS host_group_members_host ON host_group_members (host_id);
`

// Config holds the parameters for Open.
type Config struct {
	// Path is the database file.
	Path string

	// Sealer seals package keys. Required.
	Sealer *sealed.Sealer

	PoolSize int
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Store owns the pool. The Registry, Runs, and Groups accessors share
// it.
type Store struct {
	pool   *sqlitepool.Pool
	sealer *sealed.Sealer
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens (creating if needed) the database and its schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Sealer == nil {
		return nil, errors.New("store: Sealer is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	storeClock := cfg.Clock
	if storeClock == nil {
		storeClock = clock.Real()
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{pool: pool, sealer: cfg.Sealer, clock: storeClock, logger: logger}, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Registry returns the package registry view.
func (s *Store) Registry() *RegistryStore { return &RegistryStore{store: s} }

// Runs returns the run history view.
func (s *Store) Runs() *RunHistoryStore { return &RunHistoryStore{store: s} }

// Groups returns the host group view.
func (s *Store) Groups() *HostGroupStore { return &HostGroupStore{store: s} }

func isConstraintViolation(err error) bool {
	return sqlite.ErrCode(err).ToPrimary() == sqlite.ResultConstraint
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}
