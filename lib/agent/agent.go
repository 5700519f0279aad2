// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agent is the host side of a deployment. The control plane
// uploads a package into the agent's spool directory and invokes
// "exec-pkg --uuid <id>"; the agent then:
//
//  1. checksums the encrypted artifact <id>.tar.gz.enc,
//  2. obtains the key, either from --decrypt or by submitting the
//     checksum to verify through a [KeySource],
//  3. decrypts and extracts the package,
//  4. calls confirm_decrypt, and
//  5. runs the package entry script.
//
// A plaintext <id>.tar.gz with no encrypted sibling is extracted and
// run without a key.
//
// Artifacts are removed once extracted. The extracted directory is
// removed after a successful run and kept after a failed one.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/bureau-foundation/rollout/lib/pkgcrypt"
)

// ErrNoPackage means neither artifact for the uuid is in the spool.
var ErrNoPackage = errors.New("package not found in spool")

// EntryScript is the package entry point, relative to its root.
const EntryScript = "main.py"

// KeySource releases package keys. *registry.Distributor implements it
// for colocated setups; *api.Client implements it over HTTP.
type KeySource interface {
	Verify(ctx context.Context, hostID, packageUUID, checksum string) ([]byte, error)
	ConfirmDecrypt(ctx context.Context, hostID, packageUUID string) error
}

// Runner executes the entry script inside the extracted package.
type Runner interface {
	Run(ctx context.Context, directory, script string) error
}

// Config holds the parameters for an Agent.
type Config struct {
	// HostID identifies this host to the KeySource.
	HostID string

	// Spool is where the control plane uploads packages.
	Spool string

	// Keys is required for encrypted packages without a direct key.
	Keys KeySource

	// Runner defaults to an ExecRunner running "python".
	Runner Runner

	Logger *slog.Logger
}

// Agent unpacks and runs packages.
type Agent struct {
	hostID string
	spool  string
	keys   KeySource
	runner Runner
	logger *slog.Logger
}

// New validates cfg and returns an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Spool == "" {
		return nil, errors.New("agent: Spool is required")
	}
	agent := &Agent{
		hostID: cfg.HostID,
		spool:  cfg.Spool,
		keys:   cfg.Keys,
		runner: cfg.Runner,
		logger: cfg.Logger,
	}
	if agent.logger == nil {
		agent.logger = slog.New(slog.DiscardHandler)
	}
	if agent.runner == nil {
		agent.runner = &ExecRunner{Interpreter: "python", Stdout: os.Stdout, Stderr: os.Stderr}
	}
	return agent, nil
}

// ExecOptions are the optional parts of an exec-pkg invocation.
type ExecOptions struct {
	// DirectKey is the hex-encoded key passed with --decrypt. When set
	// the KeySource is not consulted at all.
	DirectKey string
}

// ExecPackage runs the package with packageUUID from the spool.
func (a *Agent) ExecPackage(ctx context.Context, packageUUID string, options ExecOptions) error {
	if _, err := uuid.Parse(packageUUID); err != nil {
		return fmt.Errorf("package uuid %q: %w", packageUUID, err)
	}
	logger := a.logger.With("package", packageUUID, "host", a.hostID)

	archive := filepath.Join(a.spool, packageUUID+".tar.gz")
	encrypted := archive + ".enc"

	registered := false
	switch _, err := os.Stat(encrypted); {
	case err == nil:
		if options.DirectKey == "" {
			registered = true
		}
		if err := a.decrypt(ctx, logger, packageUUID, encrypted, archive, options.DirectKey); err != nil {
			return err
		}
	case errors.Is(err, os.ErrNotExist):
		if _, err := os.Stat(archive); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s", ErrNoPackage, packageUUID)
			}
			return err
		}
		logger.Info("running plaintext package")
	default:
		return err
	}

	root, err := extract(archive, a.spool)
	removeArtifacts(logger, archive, encrypted)
	if err != nil {
		return fmt.Errorf("extracting package %s: %w", packageUUID, err)
	}
	if root != packageUUID {
		return fmt.Errorf("package %s extracted to unexpected root %q", packageUUID, root)
	}
	directory := filepath.Join(a.spool, root)

	if registered {
		if err := a.keys.ConfirmDecrypt(ctx, a.hostID, packageUUID); err != nil {
			return fmt.Errorf("confirming decrypt of %s: %w", packageUUID, err)
		}
	}

	logger.Info("running package entry script", "directory", directory)
	if err := a.runner.Run(ctx, directory, EntryScript); err != nil {
		logger.Error("package entry script failed, package directory kept", "directory", directory, "error", err)
		return fmt.Errorf("running package %s: %w", packageUUID, err)
	}
	if err := os.RemoveAll(directory); err != nil {
		logger.Warn("removing package directory", "directory", directory, "error", err)
	}
	logger.Info("package applied")
	return nil
}

func (a *Agent) decrypt(ctx context.Context, logger *slog.Logger, packageUUID, encrypted, archive, directKey string) error {
	var key []byte
	if directKey != "" {
		decoded, err := pkgcrypt.DecodeKey(directKey)
		if err != nil {
			return err
		}
		key = decoded
	} else {
		if a.keys == nil {
			return errors.New("agent: encrypted package needs a key source or --decrypt")
		}
		checksum, err := pkgcrypt.Checksum(encrypted)
		if err != nil {
			return err
		}
		released, err := a.keys.Verify(ctx, a.hostID, packageUUID, checksum)
		if err != nil {
			return fmt.Errorf("verifying package %s: %w", packageUUID, err)
		}
		key = released
		logger.Info("package verified", "checksum", checksum)
	}
	defer clear(key)

	if err := pkgcrypt.DecryptFile(encrypted, archive, key); err != nil {
		return fmt.Errorf("decrypting package %s: %w", packageUUID, err)
	}
	return nil
}

func removeArtifacts(logger *slog.Logger, paths ...string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("removing package artifact", "path", path, "error", err)
		}
	}
}

// writerOrDiscard returns w, or io.Discard when w is nil.
func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
