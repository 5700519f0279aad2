// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/rollout/lib/clock"
	"github.com/bureau-foundation/rollout/lib/pkgcrypt"
	"github.com/bureau-foundation/rollout/lib/testutil"
)

func newTestDistributor(t *testing.T) (*Distributor, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	distributor, err := New(Config{
		Store: store,
		Clock: clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return distributor, store
}

func writeArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pkg-1.tar.gz")
	if err := os.WriteFile(path, bytes.Repeat([]byte("archive "), 5000), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func register(t *testing.T, distributor *Distributor) Registration {
	t.Helper()
	registration, err := distributor.Register(context.Background(), "nginx", "pkg-1", "host-a", writeArchive(t))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return registration
}

func TestRegisterWritesEncryptedArtifact(t *testing.T) {
	distributor, store := newTestDistributor(t)
	registration := register(t, distributor)

	if filepath.Ext(registration.EncryptedPath) != ".enc" {
		t.Errorf("EncryptedPath = %q, want .enc suffix", registration.EncryptedPath)
	}
	checksum, err := pkgcrypt.Checksum(registration.EncryptedPath)
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if checksum != registration.Checksum {
		t.Errorf("registered checksum %s does not match encrypted artifact %s", registration.Checksum, checksum)
	}

	entry, err := store.Get(context.Background(), "host-a", "pkg-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Verified || entry.Decrypted {
		t.Error("fresh entry must be neither verified nor decrypted")
	}
	if len(entry.Key) != pkgcrypt.KeySize {
		t.Errorf("key length = %d, want %d", len(entry.Key), pkgcrypt.KeySize)
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	distributor, _ := newTestDistributor(t)
	register(t, distributor)
	_, err := distributor.Register(context.Background(), "nginx", "pkg-1", "host-a", writeArchive(t))
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("second Register error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestVerifyBeforeRegister(t *testing.T) {
	distributor, _ := newTestDistributor(t)
	_, err := distributor.Verify(context.Background(), "host-a", "pkg-1", "anything")
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Verify error = %v, want ErrNotRegistered", err)
	}
}

func TestVerifyReleasesKeyThatDecrypts(t *testing.T) {
	distributor, _ := newTestDistributor(t)
	registration := register(t, distributor)

	key, err := distributor.Verify(context.Background(), "host-a", "pkg-1", registration.Checksum)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	decrypted := filepath.Join(t.TempDir(), "out.tar.gz")
	if err := pkgcrypt.DecryptFile(registration.EncryptedPath, decrypted, key); err != nil {
		t.Fatalf("DecryptFile with released key: %v", err)
	}
	data, _ := os.ReadFile(decrypted)
	if !bytes.Equal(data, bytes.Repeat([]byte("archive "), 5000)) {
		t.Error("decrypted archive differs from original")
	}
}

func TestClearingReleasedKeyLeavesStoredKey(t *testing.T) {
	distributor, store := newTestDistributor(t)
	ctx := context.Background()
	packageUUID := testutil.UniqueID("pkg")
	registration, err := distributor.Register(ctx, "nginx", packageUUID, "host-a", writeArchive(t))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	before, err := store.Get(ctx, "host-a", packageUUID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	key, err := distributor.Verify(ctx, "host-a", packageUUID, registration.Checksum)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	clear(key)

	after, err := store.Get(ctx, "host-a", packageUUID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(after.Key, before.Key) {
		t.Error("clearing the released key zeroed the stored key")
	}
}

func TestVerifyWrongChecksumLeavesStateUnchanged(t *testing.T) {
	distributor, store := newTestDistributor(t)
	registration := register(t, distributor)

	_, err := distributor.Verify(context.Background(), "host-a", "pkg-1", "deadbeef")
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Verify error = %v, want ErrChecksumMismatch", err)
	}
	entry, _ := store.Get(context.Background(), "host-a", "pkg-1")
	if entry.Verified {
		t.Fatal("mismatched checksum must not mark the entry verified")
	}

	// The correct checksum still succeeds afterwards.
	if _, err := distributor.Verify(context.Background(), "host-a", "pkg-1", registration.Checksum); err != nil {
		t.Fatalf("Verify with correct checksum after mismatch: %v", err)
	}
}

func TestVerifyTwiceFails(t *testing.T) {
	distributor, _ := newTestDistributor(t)
	registration := register(t, distributor)

	if _, err := distributor.Verify(context.Background(), "host-a", "pkg-1", registration.Checksum); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	key, err := distributor.Verify(context.Background(), "host-a", "pkg-1", registration.Checksum)
	if !errors.Is(err, ErrAlreadyVerified) {
		t.Fatalf("second Verify error = %v, want ErrAlreadyVerified", err)
	}
	if key != nil {
		t.Error("second Verify must not release the key")
	}
}

func TestVerifyIsOtherHostScoped(t *testing.T) {
	distributor, _ := newTestDistributor(t)
	registration := register(t, distributor)

	_, err := distributor.Verify(context.Background(), "host-b", "pkg-1", registration.Checksum)
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("Verify from another host error = %v, want ErrNotRegistered", err)
	}
}

func TestConcurrentVerifyReleasesKeyOnce(t *testing.T) {
	distributor, _ := newTestDistributor(t)
	registration := register(t, distributor)

	const attempts = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := distributor.Verify(context.Background(), "host-a", "pkg-1", registration.Checksum); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("key released %d times, want exactly once", successes)
	}
}

func TestConfirmDecryptBeforeVerify(t *testing.T) {
	distributor, _ := newTestDistributor(t)
	register(t, distributor)

	err := distributor.ConfirmDecrypt(context.Background(), "host-a", "pkg-1")
	if !errors.Is(err, ErrNotVerified) {
		t.Fatalf("ConfirmDecrypt error = %v, want ErrNotVerified", err)
	}
}

func TestConfirmDecryptTwiceFails(t *testing.T) {
	distributor, store := newTestDistributor(t)
	registration := register(t, distributor)
	ctx := context.Background()

	if _, err := distributor.Verify(ctx, "host-a", "pkg-1", registration.Checksum); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if err := distributor.ConfirmDecrypt(ctx, "host-a", "pkg-1"); err != nil {
		t.Fatalf("first ConfirmDecrypt: %v", err)
	}
	if err := distributor.ConfirmDecrypt(ctx, "host-a", "pkg-1"); !errors.Is(err, ErrAlreadyDecrypted) {
		t.Fatalf("second ConfirmDecrypt error = %v, want ErrAlreadyDecrypted", err)
	}

	entry, _ := store.Get(ctx, "host-a", "pkg-1")
	if !entry.Verified || !entry.Decrypted {
		t.Errorf("entry state = verified:%v decrypted:%v, want both true", entry.Verified, entry.Decrypted)
	}
	if entry.DecryptedAt.Before(entry.VerifiedAt) {
		t.Error("DecryptedAt precedes VerifiedAt")
	}

	// Verify after decrypt is a replay.
	if _, err := distributor.Verify(ctx, "host-a", "pkg-1", registration.Checksum); !errors.Is(err, ErrAlreadyVerified) {
		t.Errorf("Verify after decrypt error = %v, want ErrAlreadyVerified", err)
	}
}

func TestStatusOmitsKey(t *testing.T) {
	distributor, _ := newTestDistributor(t)
	register(t, distributor)

	entry, err := distributor.Status(context.Background(), "host-a", "pkg-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if entry.Key != nil {
		t.Error("Status must not expose the key")
	}
	if entry.Formula != "nginx" {
		t.Errorf("Formula = %q, want nginx", entry.Formula)
	}
}
