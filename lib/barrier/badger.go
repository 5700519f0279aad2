// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package barrier

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/bureau-foundation/rollout/lib/codec"
)

var _ Store = (*BadgerStore)(nil)

// BadgerConfig configures OpenBadger.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	InMemory bool
}

// BadgerStore keeps events in a badger database. Write-once semantics
// come from badger's optimistic transactions: Put reads the key before
// writing it, so two concurrent Puts of the same id conflict and only
// one commits.
type BadgerStore struct {
	db *badger.DB
}

// eventRecord is the stored value.
type eventRecord struct {
	Metadata map[string]any `cbor:"metadata"`
	SetAt    time.Time      `cbor:"set_at"`
}

// OpenBadger opens or creates the event database.
func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	var options badger.Options
	if cfg.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("barrier: badger path is required")
		}
		options = badger.DefaultOptions(filepath.Clean(cfg.Path)).WithValueLogFileSize(1 << 24)
	}
	options.Logger = nil

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("opening event store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func eventKey(id string) []byte {
	return []byte("event:" + id)
}

func (s *BadgerStore) Put(_ context.Context, event Event) error {
	data, err := codec.Marshal(eventRecord{Metadata: event.Metadata, SetAt: event.SetAt})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(eventKey(event.ID))
		if err == nil {
			return ErrEventExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(eventKey(event.ID), data)
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrEventExists
	}
	return err
}

func (s *BadgerStore) Get(_ context.Context, id string) (Event, bool, error) {
	var record eventRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(eventKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return codec.Unmarshal(value, &record)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	return Event{ID: id, Metadata: record.Metadata, SetAt: record.SetAt}, true, nil
}
