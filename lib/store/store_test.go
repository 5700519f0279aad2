// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/rollout/lib/clock"
	"github.com/bureau-foundation/rollout/lib/registry"
	"github.com/bureau-foundation/rollout/lib/sealed"
)

func openTestStore(t *testing.T) (*Store, *clock.FakeClock) {
	t.Helper()
	sealer, err := sealed.Generate()
	if err != nil {
		t.Fatalf("sealed.Generate: %v", err)
	}
	fakeClock := clock.Fake(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	store, err := Open(Config{
		Path:     filepath.Join(t.TempDir(), "rollout.db"),
		Sealer:   sealer,
		PoolSize: 4,
		Clock:    fakeClock,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, fakeClock
}

func TestOpenRequiresSealer(t *testing.T) {
	if _, err := Open(Config{Path: filepath.Join(t.TempDir(), "x.db")}); err == nil {
		t.Fatal("expected error without Sealer")
	}
}

func TestRegistryStoreSealsKeys(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	key := bytes.Repeat([]byte{0xAB}, 32)

	err := store.Registry().Create(ctx, registry.Entry{
		Formula: "nginx", PackageUUID: "pkg-1", HostID: "host-a",
		Checksum: "abc", Key: key, RegisteredAt: time.Unix(100, 0),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	conn, err := store.pool.Take(ctx)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	var rawSealed string
	err = sqlitex.Execute(conn, "SELECT sealed_key FROM packages", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rawSealed = stmt.ColumnText(0)
			return nil
		},
	})
	store.pool.Put(conn)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if strings.Contains(rawSealed, "abababab") || rawSealed == "" {
		t.Errorf("sealed_key column does not look sealed: %q", rawSealed)
	}

	entry, err := store.Registry().Get(ctx, "host-a", "pkg-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(entry.Key, key) {
		t.Error("unsealed key differs from the original")
	}
}

func TestRegistryStoreDrivesDistributor(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()
	distributor, err := registry.New(registry.Config{Store: store.Registry(), Clock: fakeClock})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	archive := filepath.Join(t.TempDir(), "pkg-1.tar.gz")
	writeFile(t, archive, "archive contents")
	registration, err := distributor.Register(ctx, "nginx", "pkg-1", "host-a", archive)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := distributor.Register(ctx, "nginx", "pkg-1", "host-a", archive); !errors.Is(err, registry.ErrAlreadyRegistered) {
		t.Fatalf("duplicate Register error = %v, want ErrAlreadyRegistered", err)
	}

	if _, err := distributor.Verify(ctx, "host-a", "pkg-1", "wrong"); !errors.Is(err, registry.ErrChecksumMismatch) {
		t.Fatalf("Verify wrong checksum error = %v", err)
	}
	if err := distributor.ConfirmDecrypt(ctx, "host-a", "pkg-1"); !errors.Is(err, registry.ErrNotVerified) {
		t.Fatalf("ConfirmDecrypt before Verify error = %v", err)
	}
	key, err := distributor.Verify(ctx, "host-a", "pkg-1", registration.Checksum)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("released key length = %d", len(key))
	}
	if _, err := distributor.Verify(ctx, "host-a", "pkg-1", registration.Checksum); !errors.Is(err, registry.ErrAlreadyVerified) {
		t.Fatalf("second Verify error = %v", err)
	}
	if err := distributor.ConfirmDecrypt(ctx, "host-a", "pkg-1"); err != nil {
		t.Fatalf("ConfirmDecrypt: %v", err)
	}
	if err := distributor.ConfirmDecrypt(ctx, "host-a", "pkg-1"); !errors.Is(err, registry.ErrAlreadyDecrypted) {
		t.Fatalf("second ConfirmDecrypt error = %v", err)
	}

	entry, err := store.Registry().Get(ctx, "host-a", "pkg-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !entry.Verified || !entry.Decrypted || entry.VerifiedAt.IsZero() {
		t.Errorf("persisted entry = %+v", entry)
	}
}

func TestRunHistoryCurrentFlag(t *testing.T) {
	store, fakeClock := openTestStore(t)
	ctx := context.Background()
	runs := store.Runs()

	first, err := runs.Start(ctx, RunRecord{
		HostID: "host-a", Formula: "nginx",
		Dependencies: []string{"base"},
		Parameters:   map[string]any{"port": "8080"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := runs.Finish(ctx, first.ID, RunError, []byte("boom"), "exit 1"); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	fakeClock.Advance(time.Minute)
	second, err := runs.Start(ctx, RunRecord{HostID: "host-a", Formula: "nginx"})
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}

	current, err := runs.Current(ctx, "host-a", "nginx")
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if current.ID != second.ID || current.Status != RunRunning {
		t.Errorf("Current = %s/%s, want %s/running", current.ID, current.Status, second.ID)
	}

	history, err := runs.History(ctx, "host-a", "nginx")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	older := history[1]
	if older.ID != first.ID || older.Current {
		t.Errorf("older run = %s current=%v, want %s current=false", older.ID, older.Current, first.ID)
	}
	if older.Status != RunError || string(older.Output) != "boom" || older.Message != "exit 1" {
		t.Errorf("older run = %+v", older)
	}
	if len(older.Dependencies) != 1 || older.Dependencies[0] != "base" {
		t.Errorf("dependencies = %v", older.Dependencies)
	}
	if older.Parameters["port"] != "8080" {
		t.Errorf("parameters = %v", older.Parameters)
	}

	if _, err := runs.Current(ctx, "host-b", "nginx"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Current for unknown host error = %v, want ErrNotFound", err)
	}
	if err := runs.Finish(ctx, "missing", RunSuccess, nil, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Finish missing run error = %v, want ErrNotFound", err)
	}
}

func TestRunOutputCompressionRoundTrip(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	outputs := map[string][]byte{
		"small":  []byte("ok\n"),
		"medium": bytes.Repeat([]byte("installing package foo\n"), 200),
		"large":  bytes.Repeat([]byte("line of a long install log\n"), 10000),
	}
	for name, output := range outputs {
		t.Run(name, func(t *testing.T) {
			record, err := store.Runs().Start(ctx, RunRecord{HostID: "host-" + name, Formula: "nginx"})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if err := store.Runs().Finish(ctx, record.ID, RunSuccess, output, ""); err != nil {
				t.Fatalf("Finish: %v", err)
			}
			current, err := store.Runs().Current(ctx, "host-"+name, "nginx")
			if err != nil {
				t.Fatalf("Current: %v", err)
			}
			if !bytes.Equal(current.Output, output) {
				t.Errorf("output round trip mismatch: got %d bytes, want %d", len(current.Output), len(output))
			}
		})
	}
}

func TestCompressOutputSelection(t *testing.T) {
	if _, codec := compressOutput([]byte("tiny")); codec != codecNone {
		t.Errorf("tiny output codec = %d, want none", codec)
	}
	if _, codec := compressOutput(bytes.Repeat([]byte("a"), 4096)); codec != codecLZ4 {
		t.Errorf("medium output codec = %d, want lz4", codec)
	}
	if _, codec := compressOutput(bytes.Repeat([]byte("a"), 1<<20)); codec != codecZstd {
		t.Errorf("large output codec = %d, want zstd", codec)
	}
}

func TestHostGroups(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	groups := store.Groups()

	created, err := groups.Create(ctx, HostGroup{
		Name:     "web-cluster",
		Formula:  "nginx-cluster",
		Metadata: map[string]any{"primary": "host-a"},
		Members:  []string{"host-b", "host-a"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.UUID == "" {
		t.Error("Create did not assign a UUID")
	}

	_, err = groups.Create(ctx, HostGroup{Name: "web-cluster", Formula: "other", Members: []string{"host-c"}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate Create error = %v, want ErrConflict", err)
	}

	exists, err := groups.Exists(ctx, "web-cluster")
	if err != nil || !exists {
		t.Errorf("Exists = %v, %v; want true, nil", exists, err)
	}
	exists, err = groups.Exists(ctx, "db-cluster")
	if err != nil || exists {
		t.Errorf("Exists(missing) = %v, %v; want false, nil", exists, err)
	}

	loaded, err := groups.Get(ctx, "web-cluster")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(loaded.Members) != 2 || loaded.Members[0] != "host-a" || loaded.Members[1] != "host-b" {
		t.Errorf("Members = %v, want [host-a host-b]", loaded.Members)
	}
	if loaded.Metadata["primary"] != "host-a" {
		t.Errorf("Metadata = %v", loaded.Metadata)
	}

	memberOf, err := groups.ForHost(ctx, "host-b")
	if err != nil {
		t.Fatalf("ForHost: %v", err)
	}
	if len(memberOf) != 1 || memberOf[0].Name != "web-cluster" {
		t.Errorf("ForHost = %+v", memberOf)
	}
	// The rejected duplicate must not have added host-c anywhere.
	memberOf, _ = groups.ForHost(ctx, "host-c")
	if len(memberOf) != 0 {
		t.Errorf("host-c groups = %+v, want none", memberOf)
	}
}
