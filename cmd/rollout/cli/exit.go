// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ExitError signals a non-zero exit without an extra error line. The
// command has already written its own output; "rollout event wait"
// uses it to exit 2 on timeout, and the agent uses it to pass the
// entry script's exit code through.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// ExitCode is checked by main to tell a handled exit from an error.
func (e *ExitError) ExitCode() int {
	return e.Code
}
