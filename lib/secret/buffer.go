// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material and SSH credentials in memory that
// is locked against swap, excluded from core dumps, and zeroed on
// Close. The backing pages come from an anonymous mmap outside the Go
// heap, so the garbage collector never copies them.
package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by accessors after Close.
var ErrClosed = errors.New("secret: buffer closed")

// Buffer is a locked, mmap-backed byte region. A Buffer must not be
// copied after creation.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	closed bool
}

// NewFromBytes moves source into a protected region and zeroes source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, errors.New("secret: empty source")
	}

	data, err := unix.Mmap(-1, 0, len(source), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	// MADV_DONTDUMP is best effort; some kernels lack it.
	_ = unix.Madvise(data, unix.MADV_DONTDUMP)

	copy(data, source)
	clear(source)

	return &Buffer{data: data, length: len(source)}, nil
}

// NewFromString is NewFromBytes for string inputs such as passwords
// read from configuration. The string itself stays on the heap.
func NewFromString(source string) (*Buffer, error) {
	return NewFromBytes([]byte(source))
}

// Bytes returns the protected bytes. The slice is only valid until
// Close.
func (b *Buffer) Bytes() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.data[:b.length], nil
}

// String returns a heap copy of the contents for APIs that require a
// string, such as the SSH password callback.
func (b *Buffer) String() string {
	data, err := b.Bytes()
	if err != nil {
		return ""
	}
	return string(data)
}

// Len returns the length of the secret.
func (b *Buffer) Len() int {
	return b.length
}

// Close zeroes, unlocks, and unmaps the region. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	clear(b.data)
	unix.Munlock(b.data)
	if err := unix.Munmap(b.data); err != nil {
		return fmt.Errorf("secret: munmap: %w", err)
	}
	b.data = nil
	return nil
}
