// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/bureau-foundation/rollout/lib/secret"
)

// PrivilegeMarker prefixes a command that needs root on the remote
// host. See [Session.Execute].
const PrivilegeMarker = "sudo "

// ErrNoCredentials is returned by a Dialer when an endpoint carries
// neither a password nor a private key.
var ErrNoCredentials = errors.New("no password or private key for ssh authentication")

// Endpoint is everything a Dialer needs to authenticate to one host.
// The Session owns the secret buffers.
type Endpoint struct {
	// Address is "host:port".
	Address string
	User    string

	Password   *secret.Buffer
	PrivateKey *secret.Buffer
}

// Dialer opens authenticated connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint Endpoint) (Conn, error)
}

// Conn is one authenticated connection to a host.
type Conn interface {
	// Run executes command through the remote shell. The returned error
	// is non-nil only for session-level failures; a command that exits
	// non-zero reports it in Output.ExitCode.
	Run(ctx context.Context, command string, stdin io.Reader) (Output, error)

	// Upload writes source to remotePath, truncating any existing file.
	Upload(ctx context.Context, source io.Reader, remotePath string) error

	// Download copies remotePath into destination.
	Download(ctx context.Context, remotePath string, destination io.Writer) error

	Close() error
}

// Output is the captured result of one remote command.
type Output struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Privileged prefixes command with the PrivilegeMarker.
func Privileged(command string) string {
	return PrivilegeMarker + command
}

// Quote returns value as a single POSIX shell word.
func Quote(value string) string {
	if value == "" {
		return "''"
	}
	safe := true
	for _, character := range value {
		if !(character >= 'a' && character <= 'z' ||
			character >= 'A' && character <= 'Z' ||
			character >= '0' && character <= '9' ||
			strings.ContainsRune("-_./:=@%+,", character)) {
			safe = false
			break
		}
	}
	if safe {
		return value
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
