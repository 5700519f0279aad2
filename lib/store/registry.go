// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/rollout/lib/registry"
)

// RegistryStore implements registry.Store on the packages table.
type RegistryStore struct {
	store *Store
}

var _ registry.Store = (*RegistryStore)(nil)

const selectPackage = `
SELECT formula, checksum, sealed_key, verified, decrypted,
       registered_at, verified_at, decrypted_at
FROM packages WHERE host_id = ? AND package_uuid = ?`

// Create inserts a new entry with its key sealed.
func (r *RegistryStore) Create(ctx context.Context, entry registry.Entry) error {
	sealedKey, err := r.store.sealer.Seal(entry.Key)
	if err != nil {
		return fmt.Errorf("sealing package key: %w", err)
	}

	conn, err := r.store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer r.store.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT INTO packages (host_id, package_uuid, formula, checksum, sealed_key, verified, decrypted, registered_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			entry.HostID, entry.PackageUUID, entry.Formula, entry.Checksum, sealedKey,
			entry.RegisteredAt.UnixNano(),
		}})
	if err != nil {
		if isConstraintViolation(err) {
			return registry.ErrAlreadyRegistered
		}
		return fmt.Errorf("inserting package entry: %w", err)
	}
	return nil
}

// Get returns the entry with its key unsealed.
func (r *RegistryStore) Get(ctx context.Context, hostID, packageUUID string) (registry.Entry, error) {
	conn, err := r.store.pool.Take(ctx)
	if err != nil {
		return registry.Entry{}, err
	}
	defer r.store.pool.Put(conn)
	return r.load(conn, hostID, packageUUID)
}

// Update runs mutate inside an IMMEDIATE transaction, so two
// concurrent verify calls serialize on the write lock and the second
// sees the first one's verified flag.
func (r *RegistryStore) Update(ctx context.Context, hostID, packageUUID string, mutate func(*registry.Entry) error) (result registry.Entry, err error) {
	conn, err := r.store.pool.Take(ctx)
	if err != nil {
		return registry.Entry{}, err
	}
	defer r.store.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return registry.Entry{}, fmt.Errorf("begin registry transaction: %w", err)
	}
	defer endTransaction(&err)

	entry, err := r.load(conn, hostID, packageUUID)
	if err != nil {
		return registry.Entry{}, err
	}
	if err = mutate(&entry); err != nil {
		return registry.Entry{}, err
	}

	err = sqlitex.Execute(conn, `
		UPDATE packages SET verified = ?, decrypted = ?, verified_at = ?, decrypted_at = ?
		WHERE host_id = ? AND package_uuid = ?`,
		&sqlitex.ExecOptions{Args: []any{
			boolToInt(entry.Verified), boolToInt(entry.Decrypted),
			nullableTime(entry.VerifiedAt), nullableTime(entry.DecryptedAt),
			hostID, packageUUID,
		}})
	if err != nil {
		return registry.Entry{}, fmt.Errorf("updating package entry: %w", err)
	}
	return entry, nil
}

func (r *RegistryStore) load(conn *sqlite.Conn, hostID, packageUUID string) (registry.Entry, error) {
	var (
		entry     registry.Entry
		sealedKey string
		found     bool
	)
	err := sqlitex.Execute(conn, selectPackage, &sqlitex.ExecOptions{
		Args: []any{hostID, packageUUID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			entry.Formula = stmt.ColumnText(0)
			entry.Checksum = stmt.ColumnText(1)
			sealedKey = stmt.ColumnText(2)
			entry.Verified = stmt.ColumnInt64(3) != 0
			entry.Decrypted = stmt.ColumnInt64(4) != 0
			entry.RegisteredAt = time.Unix(0, stmt.ColumnInt64(5)).UTC()
			entry.VerifiedAt = columnTime(stmt, 6)
			entry.DecryptedAt = columnTime(stmt, 7)
			return nil
		},
	})
	if err != nil {
		return registry.Entry{}, fmt.Errorf("reading package entry: %w", err)
	}
	if !found {
		return registry.Entry{}, registry.ErrNotRegistered
	}

	buffer, err := r.store.sealer.Unseal(sealedKey)
	if err != nil {
		return registry.Entry{}, fmt.Errorf("unsealing package key: %w", err)
	}
	defer buffer.Close()
	key, err := buffer.Bytes()
	if err != nil {
		return registry.Entry{}, err
	}
	entry.Key = append([]byte(nil), key...)
	entry.HostID = hostID
	entry.PackageUUID = packageUUID
	return entry, nil
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value.UnixNano()
}

func columnTime(stmt *sqlite.Stmt, column int) time.Time {
	if stmt.ColumnIsNull(column) {
		return time.Time{}
	}
	return time.Unix(0, stmt.ColumnInt64(column)).UTC()
}
