// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport runs commands on managed hosts and copies packages
// to them over SSH.
//
// A [Session] wraps one [Conn] obtained from a [Dialer]. Commands run
// in sequence. When a command or file copy fails at the session level
// (a dropped connection, a refused channel), the session reconnects
// and retries that one operation exactly once, then logs and moves on.
// A command that runs and exits non-zero is a result, not a transport
// failure, and is never retried.
//
// Commands carrying the [PrivilegeMarker] prefix are rewritten for the
// connecting user: root runs them directly, a password-authenticated
// user runs them through "sudo -S" with the password on stdin, and a
// key-authenticated user runs them through "sudo -n". Passwords and
// private keys live in [secret.Buffer] regions for the session's
// lifetime.
//
// [SSHDialer] is the production implementation on golang.org/x/crypto/ssh
// with file copies over SFTP. [MemoryDialer] is an in-process
// implementation for tests.
package transport
