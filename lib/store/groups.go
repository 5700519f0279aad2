// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/rollout/lib/codec"
)

// HostGroup is a named set of hosts recorded after a successful group
// run, so later runs can target the same hosts and read the resolved
// target set back as template variables.
type HostGroup struct {
	UUID    string
	Name    string
	Formula string

	// Metadata captures the fully resolved target set of the run that
	// created the group.
	Metadata map[string]any

	Members   []string
	CreatedAt time.Time
}

// HostGroupStore persists host groups and their membership.
type HostGroupStore struct {
	store *Store
}

// Create inserts the group and its members in one transaction. A
// duplicate name fails with ErrConflict and writes nothing.
func (g *HostGroupStore) Create(ctx context.Context, group HostGroup) (result HostGroup, err error) {
	if group.UUID == "" {
		group.UUID = uuid.NewString()
	}
	if group.CreatedAt.IsZero() {
		group.CreatedAt = g.store.clock.Now()
	}
	metadata, err := codec.Marshal(group.Metadata)
	if err != nil {
		return HostGroup{}, fmt.Errorf("encoding group metadata: %w", err)
	}

	conn, err := g.store.pool.Take(ctx)
	if err != nil {
		return HostGroup{}, err
	}
	defer g.store.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return HostGroup{}, fmt.Errorf("begin group transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn,
		"INSERT INTO host_groups (uuid, name, formula, metadata, created_at) VALUES (?, ?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{group.UUID, group.Name, group.Formula, metadata, group.CreatedAt.UnixNano()}})
	if err != nil {
		if isConstraintViolation(err) {
			return HostGroup{}, fmt.Errorf("host group %q: %w", group.Name, ErrConflict)
		}
		return HostGroup{}, fmt.Errorf("inserting host group: %w", err)
	}

	for _, hostID := range group.Members {
		err = sqlitex.Execute(conn,
			"INSERT OR IGNORE INTO host_group_members (group_uuid, host_id) VALUES (?, ?)",
			&sqlitex.ExecOptions{Args: []any{group.UUID, hostID}})
		if err != nil {
			return HostGroup{}, fmt.Errorf("inserting host group member %s: %w", hostID, err)
		}
	}
	return group, nil
}

// Exists reports whether a group with name exists.
func (g *HostGroupStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := g.Get(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Get returns the group with name, including members.
func (g *HostGroupStore) Get(ctx context.Context, name string) (HostGroup, error) {
	groups, err := g.query(ctx, "WHERE name = ?", name)
	if err != nil {
		return HostGroup{}, err
	}
	if len(groups) == 0 {
		return HostGroup{}, ErrNotFound
	}
	return groups[0], nil
}

// ForHost returns every group hostID belongs to, oldest first.
func (g *HostGroupStore) ForHost(ctx context.Context, hostID string) ([]HostGroup, error) {
	return g.query(ctx,
		"WHERE uuid IN (SELECT group_uuid FROM host_group_members WHERE host_id = ?) ORDER BY created_at, name",
		hostID)
}

func (g *HostGroupStore) query(ctx context.Context, clause string, args ...any) ([]HostGroup, error) {
	conn, err := g.store.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer g.store.pool.Put(conn)

	var groups []HostGroup
	err = sqlitex.Execute(conn, "SELECT uuid, name, formula, metadata, created_at FROM host_groups "+clause,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				group := HostGroup{
					UUID:      stmt.ColumnText(0),
					Name:      stmt.ColumnText(1),
					Formula:   stmt.ColumnText(2),
					CreatedAt: time.Unix(0, stmt.ColumnInt64(4)).UTC(),
				}
				if blob := columnBlob(stmt, 3); blob != nil {
					if err := codec.Unmarshal(blob, &group.Metadata); err != nil {
						return fmt.Errorf("decoding metadata of group %s: %w", group.Name, err)
					}
				}
				groups = append(groups, group)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("querying host groups: %w", err)
	}

	for index := range groups {
		err = sqlitex.Execute(conn,
			"SELECT host_id FROM host_group_members WHERE group_uuid = ? ORDER BY host_id",
			&sqlitex.ExecOptions{
				Args: []any{groups[index].UUID},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					groups[index].Members = append(groups[index].Members, stmt.ColumnText(0))
					return nil
				},
			})
		if err != nil {
			return nil, fmt.Errorf("querying members of group %s: %w", groups[index].Name, err)
		}
	}
	return groups, nil
}
