// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewFromBytesZeroesSource(t *testing.T) {
	source := []byte("hunter2")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(source, make([]byte, 7)) {
		t.Errorf("source not zeroed: %q", source)
	}
	if buffer.String() != "hunter2" {
		t.Errorf("String() = %q, want hunter2", buffer.String())
	}
	if buffer.Len() != 7 {
		t.Errorf("Len() = %d, want 7", buffer.Len())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := NewFromString("key material")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := buffer.Bytes(); !errors.Is(err, ErrClosed) {
		t.Errorf("Bytes after Close error = %v, want ErrClosed", err)
	}
	if buffer.String() != "" {
		t.Error("String after Close should be empty")
	}
}

func TestNewFromBytesRejectsEmpty(t *testing.T) {
	if _, err := NewFromBytes(nil); err == nil {
		t.Error("expected error for empty source")
	}
}
