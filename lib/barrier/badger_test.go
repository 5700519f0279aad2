// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package barrier

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	ctx := context.Background()

	store, err := OpenBadger(BadgerConfig{Path: path})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	setAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Put(ctx, Event{ID: "schema-ready", Metadata: map[string]any{"version": "42"}, SetAt: setAt}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = OpenBadger(BadgerConfig{Path: path})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()

	event, found, err := store.Get(ctx, "schema-ready")
	if err != nil || !found {
		t.Fatalf("Get = %v, %v", found, err)
	}
	if event.Metadata["version"] != "42" {
		t.Errorf("metadata = %v", event.Metadata)
	}
	if !event.SetAt.Equal(setAt) {
		t.Errorf("SetAt = %v, want %v", event.SetAt, setAt)
	}
	if err := store.Put(ctx, Event{ID: "schema-ready"}); !errors.Is(err, ErrEventExists) {
		t.Errorf("Put after reopen = %v, want ErrEventExists", err)
	}
}

func TestBadgerStoreMissingEvent(t *testing.T) {
	store := memoryStore(t)
	_, found, err := store.Get(context.Background(), "absent")
	if err != nil || found {
		t.Fatalf("Get = %v, %v; want not found", found, err)
	}
}

func TestOpenBadgerRequiresPath(t *testing.T) {
	if _, err := OpenBadger(BadgerConfig{}); err == nil {
		t.Fatal("OpenBadger without a path succeeded")
	}
}
