// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the package distribution handshake. A
// compiled package is encrypted under a fresh key and registered
// against one (host, package) pair. The host later proves it holds the
// exact artifact by submitting its checksum to Verify, which releases
// the key once and only once. ConfirmDecrypt then records that the host
// has unpacked the package and is about to execute it.
//
// Each entry moves through three states and never back:
//
//	registered ──Verify──▶ verified ──ConfirmDecrypt──▶ decrypted
//
// Every rejected transition is treated as security-relevant: it means a
// replayed request, a tampered artifact, or a buggy client. Rejections
// leave the entry unchanged and are logged at Warn.
package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/bureau-foundation/rollout/lib/clock"
	"github.com/bureau-foundation/rollout/lib/metrics"
	"github.com/bureau-foundation/rollout/lib/pkgcrypt"
)

var (
	// ErrNotRegistered means no entry exists for the (host, package).
	ErrNotRegistered = errors.New("package not registered for host")

	// ErrAlreadyRegistered means Register was called twice for the
	// same (host, package).
	ErrAlreadyRegistered = errors.New("package already registered for host")

	// ErrAlreadyVerified means the key was already released.
	ErrAlreadyVerified = errors.New("package already verified")

	// ErrChecksumMismatch means the submitted checksum differs from
	// the registered one.
	ErrChecksumMismatch = errors.New("package checksum mismatch")

	// ErrNotVerified means ConfirmDecrypt was called before Verify.
	ErrNotVerified = errors.New("package not verified")

	// ErrAlreadyDecrypted means ConfirmDecrypt was called twice.
	ErrAlreadyDecrypted = errors.New("package already decrypted")
)

// Entry is one registered (host, package) pair.
type Entry struct {
	Formula     string
	PackageUUID string
	HostID      string
	Checksum    string
	Key         []byte

	Verified  bool
	Decrypted bool

	RegisteredAt time.Time
	VerifiedAt   time.Time
	DecryptedAt  time.Time
}

// Store persists entries. Update must apply mutate and persist the
// result atomically with respect to other Update calls on the same
// entry: that atomicity is what makes key release at-most-once when two
// verify requests race. When mutate returns an error nothing is
// written and the error is returned unchanged.
type Store interface {
	Create(ctx context.Context, entry Entry) error
	Get(ctx context.Context, hostID, packageUUID string) (Entry, error)
	Update(ctx context.Context, hostID, packageUUID string, mutate func(*Entry) error) (Entry, error)
}

// Config holds the parameters for a Distributor.
type Config struct {
	Store   Store
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Distributor runs the register/verify/confirm handshake.
type Distributor struct {
	store   Store
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Distributor. Store is required.
func New(cfg Config) (*Distributor, error) {
	if cfg.Store == nil {
		return nil, errors.New("registry: Store is required")
	}
	distributor := &Distributor{
		store:   cfg.Store,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if distributor.clock == nil {
		distributor.clock = clock.Real()
	}
	if distributor.logger == nil {
		distributor.logger = slog.New(slog.DiscardHandler)
	}
	return distributor, nil
}

// Registration is the result of Register.
type Registration struct {
	// EncryptedPath is the artifact to ship: plaintextPath + ".enc".
	EncryptedPath string

	// Checksum is the BLAKE3 digest of the encrypted artifact.
	Checksum string
}

// Register encrypts the archive at plaintextPath under a fresh key,
// checksums the encrypted artifact, and records the entry. The
// encrypted artifact is removed again if the entry cannot be stored.
func (d *Distributor) Register(ctx context.Context, formulaID, packageUUID, hostID, plaintextPath string) (Registration, error) {
	if _, err := d.store.Get(ctx, hostID, packageUUID); err == nil {
		return Registration{}, fmt.Errorf("registering package %s for host %s: %w", packageUUID, hostID, ErrAlreadyRegistered)
	} else if !errors.Is(err, ErrNotRegistered) {
		return Registration{}, fmt.Errorf("registering package %s for host %s: %w", packageUUID, hostID, err)
	}

	key, err := pkgcrypt.NewKey()
	if err != nil {
		return Registration{}, err
	}

	encryptedPath := plaintextPath + ".enc"
	if err := pkgcrypt.EncryptFile(plaintextPath, encryptedPath, key); err != nil {
		return Registration{}, fmt.Errorf("registering package %s: %w", packageUUID, err)
	}
	checksum, err := pkgcrypt.Checksum(encryptedPath)
	if err != nil {
		os.Remove(encryptedPath)
		return Registration{}, fmt.Errorf("registering package %s: %w", packageUUID, err)
	}

	entry := Entry{
		Formula:      formulaID,
		PackageUUID:  packageUUID,
		HostID:       hostID,
		Checksum:     checksum,
		Key:          key,
		RegisteredAt: d.clock.Now(),
	}
	if err := d.store.Create(ctx, entry); err != nil {
		os.Remove(encryptedPath)
		return Registration{}, fmt.Errorf("registering package %s for host %s: %w", packageUUID, hostID, err)
	}

	d.logger.Info("package registered",
		"package", packageUUID,
		"host", hostID,
		"formula", formulaID,
		"checksum", checksum,
	)
	return Registration{EncryptedPath: encryptedPath, Checksum: checksum}, nil
}

// Verify checks the submitted checksum and, on the first successful
// call for the entry, returns the decryption key. Every later call
// fails with ErrAlreadyVerified. A mismatching checksum fails with
// ErrChecksumMismatch and leaves the entry unverified.
func (d *Distributor) Verify(ctx context.Context, hostID, packageUUID, checksum string) ([]byte, error) {
	var released []byte
	_, err := d.store.Update(ctx, hostID, packageUUID, func(entry *Entry) error {
		if entry.Verified || entry.Decrypted {
			return ErrAlreadyVerified
		}
		if subtle.ConstantTimeCompare([]byte(entry.Checksum), []byte(checksum)) != 1 {
			return ErrChecksumMismatch
		}
		entry.Verified = true
		entry.VerifiedAt = d.clock.Now()
		released = slices.Clone(entry.Key)
		return nil
	})
	if err != nil {
		d.reject("verify", hostID, packageUUID, err)
		return nil, fmt.Errorf("verifying package %s for host %s: %w", packageUUID, hostID, err)
	}

	d.logger.Info("package key released", "package", packageUUID, "host", hostID)
	return released, nil
}

// ConfirmDecrypt records that the host has decrypted the package.
// It requires a prior Verify and succeeds only once.
func (d *Distributor) ConfirmDecrypt(ctx context.Context, hostID, packageUUID string) error {
	_, err := d.store.Update(ctx, hostID, packageUUID, func(entry *Entry) error {
		if !entry.Verified {
			return ErrNotVerified
		}
		if entry.Decrypted {
			return ErrAlreadyDecrypted
		}
		entry.Decrypted = true
		entry.DecryptedAt = d.clock.Now()
		return nil
	})
	if err != nil {
		d.reject("confirm_decrypt", hostID, packageUUID, err)
		return fmt.Errorf("confirming decrypt of package %s for host %s: %w", packageUUID, hostID, err)
	}

	d.logger.Info("package decrypt confirmed", "package", packageUUID, "host", hostID)
	return nil
}

// Status returns the entry without its key.
func (d *Distributor) Status(ctx context.Context, hostID, packageUUID string) (Entry, error) {
	entry, err := d.store.Get(ctx, hostID, packageUUID)
	if err != nil {
		return Entry{}, err
	}
	entry.Key = nil
	return entry, nil
}

func (d *Distributor) reject(operation, hostID, packageUUID string, err error) {
	d.metrics.RegistryRejected(rejectionReason(err))
	d.logger.Warn("package handshake rejected",
		"security", true,
		"operation", operation,
		"package", packageUUID,
		"host", hostID,
		"error", err,
	)
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, ErrAlreadyVerified):
		return "already_verified"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, ErrNotVerified):
		return "not_verified"
	case errors.Is(err, ErrAlreadyDecrypted):
		return "already_decrypted"
	default:
		return "store_error"
	}
}
