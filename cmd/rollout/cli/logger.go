// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// NewCommandLogger returns the logger for CLI operations. On a terminal
// it writes slog text; when stderr is piped (CI, scripts) it writes
// JSON so a pipeline can ingest it.
//
//	logger := cli.NewCommandLogger(verbose).With("command", "deploy", "host", hostID)
func NewCommandLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	options := &slog.HandlerOptions{Level: level}
	if IsTerminal(os.Stderr) {
		return slog.New(slog.NewTextHandler(os.Stderr, options))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options))
}

// IsTerminal reports whether file is an interactive terminal.
func IsTerminal(file *os.File) bool {
	return term.IsTerminal(int(file.Fd()))
}

// ReadPassword prompts on stderr and reads a line from the terminal
// on stdin without echo.
func ReadPassword(prompt string) (string, error) {
	os.Stderr.WriteString(prompt)
	defer os.Stderr.WriteString("\n")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	return string(password), nil
}
