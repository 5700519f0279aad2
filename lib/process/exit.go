// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by rollout
// binaries for the one place raw stderr output is allowed: reporting
// an error from run() before or after the structured logger exists.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with status 1.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// Exit writes "error: err" to stderr and exits with the given status.
// Used by commands whose exit status carries meaning, such as the
// barrier wait command returning 2 on timeout.
func Exit(status int, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(status)
}
