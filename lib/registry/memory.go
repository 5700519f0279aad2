// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-process Store. It backs tests and single-binary
// setups where the agent shares a process with the control plane.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[entryKey]Entry
}

type entryKey struct {
	hostID      string
	packageUUID string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[entryKey]Entry)}
}

func (s *MemoryStore) Create(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey{entry.HostID, entry.PackageUUID}
	if _, exists := s.entries[key]; exists {
		return ErrAlreadyRegistered
	}
	entry.Key = slices.Clone(entry.Key)
	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) Get(_ context.Context, hostID, packageUUID string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryKey{hostID, packageUUID}]
	if !ok {
		return Entry{}, ErrNotRegistered
	}
	entry.Key = slices.Clone(entry.Key)
	return entry, nil
}

func (s *MemoryStore) Update(_ context.Context, hostID, packageUUID string, mutate func(*Entry) error) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey{hostID, packageUUID}
	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, ErrNotRegistered
	}
	working := entry
	working.Key = slices.Clone(entry.Key)
	if err := mutate(&working); err != nil {
		return Entry{}, err
	}
	s.entries[key] = working
	return working, nil
}
