// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/rollout/lib/codec"
)

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// RunRecord is one application of a formula to a host. Only the most
// recent record per (host, formula) has Current set.
type RunRecord struct {
	ID           string
	HostID       string
	Formula      string
	PackageUUID  string
	Status       RunStatus
	Current      bool
	Dependencies []string

	// Parameters are the sanitized run parameters. Secrets and the
	// connection block are stripped before a record is written.
	Parameters map[string]any

	// Output is the captured remote output, compressed at rest.
	Output  []byte
	Message string

	StartedAt  time.Time
	FinishedAt time.Time
}

// RunHistoryStore persists run records.
type RunHistoryStore struct {
	store *Store
}

// Start records a new current run in the running state and clears the
// current flag on every earlier run of the same (host, formula). The
// returned record carries the generated ID.
func (h *RunHistoryStore) Start(ctx context.Context, record RunRecord) (result RunRecord, err error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Status == "" {
		record.Status = RunRunning
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = h.store.clock.Now()
	}
	record.Current = true

	dependencies, err := codec.Marshal(record.Dependencies)
	if err != nil {
		return RunRecord{}, fmt.Errorf("encoding dependencies: %w", err)
	}
	parameters, err := codec.Marshal(record.Parameters)
	if err != nil {
		return RunRecord{}, fmt.Errorf("encoding parameters: %w", err)
	}

	conn, err := h.store.pool.Take(ctx)
	if err != nil {
		return RunRecord{}, err
	}
	defer h.store.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return RunRecord{}, fmt.Errorf("begin run transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		"UPDATE runs SET current = 0 WHERE host_id = ? AND formula = ? AND current = 1",
		&sqlitex.ExecOptions{Args: []any{record.HostID, record.Formula}})
	if err != nil {
		return RunRecord{}, fmt.Errorf("clearing current run: %w", err)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO runs (id, host_id, formula, package_uuid, status, current, dependencies, parameters, message, started_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			record.ID, record.HostID, record.Formula, record.PackageUUID, string(record.Status),
			dependencies, parameters, record.Message, record.StartedAt.UnixNano(),
		}})
	if err != nil {
		return RunRecord{}, fmt.Errorf("inserting run: %w", err)
	}
	return record, nil
}

// Finish moves a run to a terminal status and stores its output.
func (h *RunHistoryStore) Finish(ctx context.Context, id string, status RunStatus, output []byte, message string) error {
	compressed, outputCodec := compressOutput(output)

	conn, err := h.store.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer h.store.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		UPDATE runs SET status = ?, output = ?, output_codec = ?, output_size = ?, message = ?, finished_at = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			string(status), compressed, int64(outputCodec), len(output), message,
			h.store.clock.Now().UnixNano(), id,
		}})
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return fmt.Errorf("finishing run %s: %w", id, ErrNotFound)
	}
	return nil
}

// Current returns the current run of formula on host, or ErrNotFound.
func (h *RunHistoryStore) Current(ctx context.Context, hostID, formula string) (RunRecord, error) {
	records, err := h.query(ctx, "WHERE host_id = ? AND formula = ? AND current = 1", hostID, formula)
	if err != nil {
		return RunRecord{}, err
	}
	if len(records) == 0 {
		return RunRecord{}, ErrNotFound
	}
	return records[0], nil
}

// History returns every run of formula on host, newest first.
func (h *RunHistoryStore) History(ctx context.Context, hostID, formula string) ([]RunRecord, error) {
	return h.query(ctx, "WHERE host_id = ? AND formula = ? ORDER BY started_at DESC, rowid DESC", hostID, formula)
}

func (h *RunHistoryStore) query(ctx context.Context, clause string, args ...any) ([]RunRecord, error) {
	conn, err := h.store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer h.store.pool.Put(conn)

	var records []RunRecord
	err = sqlitex.Execute(conn, `
		SELECT id, host_id, formula, package_uuid, status, current, dependencies, parameters,
		       output, output_codec, output_size, message, started_at, finished_at
		FROM runs `+clause,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				record, err := scanRun(stmt)
				if err != nil {
					return err
				}
				records = append(records, record)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	return records, nil
}

func scanRun(stmt *sqlite.Stmt) (RunRecord, error) {
	record := RunRecord{
		ID:          stmt.ColumnText(0),
		HostID:      stmt.ColumnText(1),
		Formula:     stmt.ColumnText(2),
		PackageUUID: stmt.ColumnText(3),
		Status:      RunStatus(stmt.ColumnText(4)),
		Current:     stmt.ColumnInt64(5) != 0,
		Message:     stmt.ColumnText(11),
		StartedAt:   time.Unix(0, stmt.ColumnInt64(12)).UTC(),
		FinishedAt:  columnTime(stmt, 13),
	}

	if blob := columnBlob(stmt, 6); blob != nil {
		if err := codec.Unmarshal(blob, &record.Dependencies); err != nil {
			return RunRecord{}, fmt.Errorf("decoding dependencies of run %s: %w", record.ID, err)
		}
	}
	if blob := columnBlob(stmt, 7); blob != nil {
		if err := codec.Unmarshal(blob, &record.Parameters); err != nil {
			return RunRecord{}, fmt.Errorf("decoding parameters of run %s: %w", record.ID, err)
		}
	}
	if blob := columnBlob(stmt, 8); blob != nil {
		output, err := decompressOutput(blob, outputCodec(stmt.ColumnInt64(9)), stmt.ColumnInt(10))
		if err != nil {
			return RunRecord{}, fmt.Errorf("decoding output of run %s: %w", record.ID, err)
		}
		record.Output = output
	}
	return record, nil
}

func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	if stmt.ColumnIsNull(column) {
		return nil
	}
	blob := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, blob)
	return blob
}
