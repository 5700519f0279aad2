// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// ScriptError is an entry script that exited non-zero.
type ScriptError struct {
	ExitCode int
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("entry script exited with code %d", e.ExitCode)
}

// ExecRunner runs the entry script with an interpreter, streaming its
// output.
type ExecRunner struct {
	Interpreter string
	Stdout      io.Writer
	Stderr      io.Writer
}

func (r *ExecRunner) Run(ctx context.Context, directory, script string) error {
	command := exec.CommandContext(ctx, r.Interpreter, script)
	command.Dir = directory
	command.Stdout = writerOrDiscard(r.Stdout)
	command.Stderr = writerOrDiscard(r.Stderr)
	err := command.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ScriptError{ExitCode: exitErr.ExitCode()}
	}
	return err
}
