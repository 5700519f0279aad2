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
	"net"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Compile-time interface checks.
var (
	_ Dialer = (*SSHDialer)(nil)
	_ Conn   = (*sshConn)(nil)
)

// SSHConfig configures NewSSHDialer.
type SSHConfig struct {
	// ConnectTimeout bounds the TCP dial and the SSH handshake. Zero
	// means only the context deadline applies.
	ConnectTimeout time.Duration

	// KnownHosts is an OpenSSH known_hosts file used to verify host
	// keys. Empty disables verification.
	KnownHosts string

	Logger *slog.Logger
}

// SSHDialer opens SSH connections with golang.org/x/crypto/ssh.
type SSHDialer struct {
	connectTimeout  time.Duration
	hostKeyCallback ssh.HostKeyCallback
	logger          *slog.Logger
}

// NewSSHDialer loads the known_hosts file, if any.
func NewSSHDialer(cfg SSHConfig) (*SSHDialer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	callback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHosts != "" {
		loaded, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		callback = loaded
	} else {
		logger.Warn("ssh host key verification disabled; set transport.known_hosts")
	}

	return &SSHDialer{
		connectTimeout:  cfg.ConnectTimeout,
		hostKeyCallback: callback,
		logger:          logger,
	}, nil
}

// Dial authenticates with the private key first when both a key and a
// password are present.
func (d *SSHDialer) Dial(ctx context.Context, endpoint Endpoint) (Conn, error) {
	auth, err := authMethods(endpoint)
	if err != nil {
		return nil, err
	}
	config := &ssh.ClientConfig{
		User:            endpoint.User,
		Auth:            auth,
		HostKeyCallback: d.hostKeyCallback,
		Timeout:         d.connectTimeout,
	}

	dialer := net.Dialer{Timeout: d.connectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", endpoint.Address)
	if err != nil {
		return nil, err
	}

	deadline, hasDeadline := ctx.Deadline()
	if d.connectTimeout > 0 {
		timeoutDeadline := time.Now().Add(d.connectTimeout)
		if !hasDeadline || timeoutDeadline.Before(deadline) {
			deadline, hasDeadline = timeoutDeadline, true
		}
	}
	if hasDeadline {
		raw.SetDeadline(deadline)
	}
	clientConn, channels, requests, err := ssh.NewClientConn(raw, endpoint.Address, config)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	raw.SetDeadline(time.Time{})

	d.logger.Debug("ssh connection established", "address", endpoint.Address, "server_version", string(clientConn.ServerVersion()))
	return &sshConn{client: ssh.NewClient(clientConn, channels, requests)}, nil
}

func authMethods(endpoint Endpoint) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if endpoint.PrivateKey != nil {
		material, err := endpoint.PrivateKey.Bytes()
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(material)
		if err != nil {
			return nil, fmt.Errorf("parsing private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if password := endpoint.Password; password != nil {
		methods = append(methods,
			ssh.PasswordCallback(func() (string, error) {
				return password.String(), nil
			}),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for index := range questions {
					answers[index] = password.String()
				}
				return answers, nil
			}))
	}
	if len(methods) == 0 {
		return nil, ErrNoCredentials
	}
	return methods, nil
}

type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) Run(ctx context.Context, command string, stdin io.Reader) (Output, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return Output{}, fmt.Errorf("opening ssh channel: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err = <-done:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		<-done
		return Output{}, ctx.Err()
	}

	output := Output{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		output.ExitCode = exitErr.ExitStatus()
		return output, nil
	}
	if err != nil {
		return output, fmt.Errorf("running remote command: %w", err)
	}
	return output, nil
}

func (c *sshConn) Upload(ctx context.Context, source io.Reader, remotePath string) error {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("starting sftp: %w", err)
	}
	defer client.Close()

	file, err := client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("creating remote file: %w", err)
	}
	if _, err := file.ReadFrom(contextReader{ctx: ctx, reader: source}); err != nil {
		file.Close()
		return fmt.Errorf("writing remote file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing remote file: %w", err)
	}
	return nil
}

func (c *sshConn) Download(ctx context.Context, remotePath string, destination io.Writer) error {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return fmt.Errorf("starting sftp: %w", err)
	}
	defer client.Close()

	file, err := client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("opening remote file: %w", err)
	}
	defer file.Close()
	if _, err := io.Copy(destination, contextReader{ctx: ctx, reader: file}); err != nil {
		return fmt.Errorf("reading remote file: %w", err)
	}
	return nil
}

func (c *sshConn) Close() error {
	return c.client.Close()
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx    context.Context
	reader io.Reader
}

func (r contextReader) Read(buffer []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.reader.Read(buffer)
}
