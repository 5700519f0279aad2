// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bureau-foundation/rollout/lib/host"
	"github.com/bureau-foundation/rollout/lib/metrics"
	"github.com/bureau-foundation/rollout/lib/secret"
)

// Config configures Open.
type Config struct {
	Dialer     Dialer
	Type       host.Type
	Connection host.Connection

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Result is the outcome of one command passed to Execute.
type Result struct {
	// Command is the command as the caller wrote it, before privilege
	// rewriting. It never contains the password.
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string

	// Err is set when the command could not be run even after the
	// retry. ExitCode is -1 in that case.
	Err error
}

// Failed reports whether the command did not run to a zero exit.
func (r Result) Failed() bool {
	return r.Err != nil || r.ExitCode != 0
}

// FileOptions are applied after SendFile on Linux hosts.
type FileOptions struct {
	// Mode is an octal mode such as "0600".
	Mode string
	// Owner is "user" or "user:group".
	Owner string
}

// Session is a connection to one host. Operations are sequential; a
// Session is not safe for concurrent use.
type Session struct {
	dialer   Dialer
	hostType host.Type
	endpoint Endpoint
	root     bool
	logger   *slog.Logger
	metrics  *metrics.Metrics

	redactions []string

	conn Conn
}

// Open authenticates to the host. A failed dial is returned without
// retry.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("transport: Dialer is required")
	}
	if cfg.Connection.Address == "" {
		return nil, errors.New("transport: connection address is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	endpoint, err := newEndpoint(cfg.Connection)
	if err != nil {
		return nil, err
	}
	session := &Session{
		dialer:   cfg.Dialer,
		hostType: cfg.Type,
		endpoint: endpoint,
		root:     cfg.Connection.IsRoot(),
		logger:   logger.With("address", endpoint.Address, "user", endpoint.User),
		metrics:  cfg.Metrics,
	}

	conn, err := cfg.Dialer.Dial(ctx, endpoint)
	if err != nil {
		session.releaseSecrets()
		return nil, fmt.Errorf("connecting to %s: %w", endpoint.Address, err)
	}
	session.conn = conn
	session.logger.Debug("ssh session opened")
	return session, nil
}

func newEndpoint(connection host.Connection) (Endpoint, error) {
	endpoint := Endpoint{Address: connection.Endpoint(), User: connection.User}

	keyMaterial := []byte(connection.PrivateKey)
	if len(keyMaterial) == 0 && connection.KeyPath != "" {
		data, err := os.ReadFile(connection.KeyPath)
		if err != nil {
			return Endpoint{}, fmt.Errorf("reading private key: %w", err)
		}
		keyMaterial = data
	}
	if len(keyMaterial) > 0 {
		buffer, err := secret.NewFromBytes(keyMaterial)
		if err != nil {
			return Endpoint{}, fmt.Errorf("protecting private key: %w", err)
		}
		endpoint.PrivateKey = buffer
	}
	if connection.Password != "" {
		buffer, err := secret.NewFromString(connection.Password)
		if err != nil {
			if endpoint.PrivateKey != nil {
				endpoint.PrivateKey.Close()
			}
			return Endpoint{}, fmt.Errorf("protecting password: %w", err)
		}
		endpoint.Password = buffer
	}
	return endpoint, nil
}

// Execute runs commands in order and returns one Result per command.
// A session-level failure gets exactly one reconnect and retry; if
// that also fails the Result carries the error and the remaining
// commands still run. Execute stops early only when ctx is done.
func (s *Session) Execute(ctx context.Context, commands ...string) []Result {
	results := make([]Result, 0, len(commands))
	for _, command := range commands {
		if ctx.Err() != nil {
			results = append(results, Result{Command: s.redact(command), ExitCode: -1, Err: ctx.Err()})
			continue
		}
		results = append(results, s.run(ctx, command))
	}
	return results
}

func (s *Session) run(ctx context.Context, command string) Result {
	line, usePassword := s.rewrite(command)
	command = s.redact(command)

	var output Output
	err := s.withRetry(ctx, "command", func(conn Conn) error {
		var stdin io.Reader
		if usePassword {
			password, err := s.endpoint.Password.Bytes()
			if err != nil {
				return err
			}
			stdin = io.MultiReader(bytes.NewReader(password), strings.NewReader("\n"))
		}
		var runErr error
		output, runErr = conn.Run(ctx, line, stdin)
		return runErr
	})
	if err != nil {
		s.logger.Error("remote command failed after retry", "command", command, "error", err)
		return Result{Command: command, ExitCode: -1, Err: err}
	}

	result := Result{
		Command:  command,
		ExitCode: output.ExitCode,
		Stdout:   string(output.Stdout),
		Stderr:   string(output.Stderr),
	}
	if result.ExitCode != 0 {
		s.logger.Info("remote command exited non-zero", "command", command, "exit_code", result.ExitCode)
	}
	return result
}

// rewrite applies the privilege marker. The boolean reports whether the
// password must be piped on stdin.
func (s *Session) rewrite(command string) (string, bool) {
	rest, privileged := strings.CutPrefix(command, PrivilegeMarker)
	switch {
	case !privileged:
		return command, false
	case s.hostType == host.Windows, s.root:
		return rest, false
	case s.endpoint.Password != nil:
		return "sudo -S -p '' " + rest, true
	default:
		return "sudo -n " + rest, false
	}
}

// Redact hides values in logged commands and in Result.Command. The
// remote side still receives the real command.
func (s *Session) Redact(values ...string) {
	for _, value := range values {
		if value != "" {
			s.redactions = append(s.redactions, value)
		}
	}
}

func (s *Session) redact(command string) string {
	for _, value := range s.redactions {
		command = strings.ReplaceAll(command, value, "[REDACTED]")
	}
	return command
}

// SendFile copies a local file to remotePath. On Linux hosts the mode
// and owner in options are applied afterward with privilege.
func (s *Session) SendFile(ctx context.Context, localPath, remotePath string, options FileOptions) error {
	err := s.withRetry(ctx, "send file", func(conn Conn) error {
		file, err := os.Open(localPath)
		if err != nil {
			return &localError{err: err}
		}
		defer file.Close()
		return conn.Upload(ctx, file, remotePath)
	})
	if err != nil {
		s.logger.Error("file copy failed after retry", "local", localPath, "remote", remotePath, "error", err)
		return fmt.Errorf("sending %s to %s: %w", filepath.Base(localPath), remotePath, err)
	}

	if s.hostType == host.Windows {
		return nil
	}
	var commands []string
	if options.Mode != "" {
		commands = append(commands, Privileged("chmod "+Quote(options.Mode)+" "+Quote(remotePath)))
	}
	if options.Owner != "" {
		commands = append(commands, Privileged("chown "+Quote(options.Owner)+" "+Quote(remotePath)))
	}
	for _, result := range s.Execute(ctx, commands...) {
		if result.Err != nil {
			return fmt.Errorf("%s: %w", result.Command, result.Err)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("%s: exit code %d: %s", result.Command, result.ExitCode, strings.TrimSpace(result.Stderr))
		}
	}
	return nil
}

// GetFile copies remotePath to a local file.
func (s *Session) GetFile(ctx context.Context, remotePath, localPath string) error {
	err := s.withRetry(ctx, "get file", func(conn Conn) error {
		file, err := os.Create(localPath)
		if err != nil {
			return &localError{err: err}
		}
		if err := conn.Download(ctx, remotePath, file); err != nil {
			file.Close()
			return err
		}
		if err := file.Close(); err != nil {
			return &localError{err: err}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("file fetch failed after retry", "remote", remotePath, "local", localPath, "error", err)
		return fmt.Errorf("fetching %s: %w", remotePath, err)
	}
	return nil
}

// Close releases the connection and the credentials. Failures are
// logged, never returned.
func (s *Session) Close() {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("closing ssh session", "error", err)
		}
		s.conn = nil
	}
	s.releaseSecrets()
}

func (s *Session) releaseSecrets() {
	if s.endpoint.Password != nil {
		s.endpoint.Password.Close()
	}
	if s.endpoint.PrivateKey != nil {
		s.endpoint.PrivateKey.Close()
	}
}

// localError marks failures on the control-plane side, which a
// reconnect cannot fix.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

// withRetry runs operation on the current connection. On a
// session-level failure it reconnects once and runs it again.
func (s *Session) withRetry(ctx context.Context, kind string, operation func(Conn) error) error {
	var firstErr error
	if s.conn != nil {
		firstErr = operation(s.conn)
		if firstErr == nil {
			return nil
		}
		var local *localError
		if errors.As(firstErr, &local) || ctx.Err() != nil {
			return firstErr
		}
		s.logger.Warn("session-level failure, reconnecting", "operation", kind, "error", firstErr)
	}

	s.metrics.TransportRetried()
	if err := s.reconnect(ctx); err != nil {
		return errors.Join(firstErr, err)
	}
	if err := operation(s.conn); err != nil {
		return errors.Join(firstErr, fmt.Errorf("retry: %w", err))
	}
	return nil
}

func (s *Session) reconnect(ctx context.Context) error {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("closing broken connection", "error", err)
		}
		s.conn = nil
	}
	conn, err := s.dialer.Dial(ctx, s.endpoint)
	if err != nil {
		return fmt.Errorf("reconnecting to %s: %w", s.endpoint.Address, err)
	}
	s.conn = conn
	return nil
}
