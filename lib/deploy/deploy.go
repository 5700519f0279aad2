// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package deploy applies one formula to one host.
//
// A deployment moves through validating, compiling, encrypting (managed
// mode only), distributing, and executing, and ends succeeded or
// failed. Validation happens before any package is built: the host
// must be resolvable, the operator authorized, the host platform listed
// in the formula's support matrix, and the formula not already applied
// in a way that forbids another run.
//
// Three modes decide where the host comes from and how the package
// reaches it:
//
//   - Managed: the host is looked up in the [HostDirectory]. The
//     package is registered with the distributor, shipped encrypted,
//     and unpacked by the local agent after it obtains the key through
//     verify. The run is recorded in run history.
//   - Unmanaged: the request carries the host and its credentials. The
//     plaintext package is extracted and run directly. Nothing is
//     recorded.
//   - Bootstrap: installs the agent itself on a host given explicitly.
//     Linux hosts are handled as unmanaged; Windows hosts receive an
//     encrypted package and the key on the agent command line, since
//     no agent exists yet to call verify.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/rollout/lib/authz"
	"github.com/bureau-foundation/rollout/lib/clock"
	"github.com/bureau-foundation/rollout/lib/compiler"
	"github.com/bureau-foundation/rollout/lib/formula"
	"github.com/bureau-foundation/rollout/lib/host"
	"github.com/bureau-foundation/rollout/lib/metrics"
	"github.com/bureau-foundation/rollout/lib/progress"
	"github.com/bureau-foundation/rollout/lib/registry"
	"github.com/bureau-foundation/rollout/lib/store"
	"github.com/bureau-foundation/rollout/transport"
)

// Mode selects how a deployment reaches its host.
type Mode string

const (
	Managed   Mode = "managed"
	Unmanaged Mode = "unmanaged"
	Bootstrap Mode = "bootstrap"
)

// ParseMode accepts managed, unmanaged, or bootstrap. Empty is managed.
func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(value)) {
	case "", Managed:
		return Managed, nil
	case Unmanaged:
		return Unmanaged, nil
	case Bootstrap:
		return Bootstrap, nil
	default:
		return "", fmt.Errorf("unknown deployment mode %q", value)
	}
}

// State is a deployment lifecycle state, reported through progress.
type State string

const (
	Validating   State = "validating"
	Compiling    State = "compiling"
	Encrypting   State = "encrypting"
	Distributing State = "distributing"
	Executing    State = "executing"
	Succeeded    State = "succeeded"
	Failed       State = "failed"
)

var (
	// ErrUnsupportedHost means the host platform is not in the
	// formula's support matrix.
	ErrUnsupportedHost = errors.New("host platform not supported by formula")

	// ErrAlreadyApplied means run history forbids another run: the
	// last run ended in error, or a service formula already ran.
	ErrAlreadyApplied = errors.New("formula already applied to host")
)

// CommandError reports a remote command that did not exit zero, or
// could not be run at all.
type CommandError struct {
	Host     string
	Command  string
	ExitCode int
	Stderr   string

	// Err is the transport failure when the command never ran.
	Err error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("host %s: %s: %v", e.Host, e.Command, e.Err)
	}
	message := fmt.Sprintf("host %s: %s: exit code %d", e.Host, e.Command, e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		message += ": " + stderr
	}
	return message
}

func (e *CommandError) Unwrap() error { return e.Err }

// HostDirectory resolves managed hosts.
type HostDirectory interface {
	Lookup(ctx context.Context, id string) (host.Host, error)
}

// Compiler builds packages.
type Compiler interface {
	Compile(ctx context.Context, request compiler.Request) (*compiler.Package, error)
}

// Registrar registers managed packages with the distributor.
type Registrar interface {
	Register(ctx context.Context, formulaID, packageUUID, hostID, plaintextPath string) (registry.Registration, error)
}

// RunHistory persists run records.
type RunHistory interface {
	Start(ctx context.Context, record store.RunRecord) (store.RunRecord, error)
	Finish(ctx context.Context, id string, status store.RunStatus, output []byte, message string) error
	Current(ctx context.Context, hostID, formula string) (store.RunRecord, error)
}

// Config holds the collaborators of a Coordinator.
type Config struct {
	Compiler Compiler
	Dialer   transport.Dialer

	// Hosts, Registrar, and Runs are required for managed mode.
	Hosts     HostDirectory
	Registrar Registrar
	Runs      RunHistory

	// Authorizer defaults to allowing everything.
	Authorizer authz.Authorizer

	// Reporter defaults to discarding progress.
	Reporter progress.Reporter

	Paths Paths

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Paths locates the agent and package spool on remote hosts. Zero
// fields take the defaults below.
type Paths struct {
	AgentPath        string
	WindowsAgentPath string
	Python           string
	LinuxSpool       string
	WindowsSpool     string
}

const (
	DefaultAgentPath        = "/usr/local/bin/rollout-agent"
	DefaultWindowsAgentPath = `C:\rollout\agent.exe`
	DefaultPython           = "python"
	DefaultLinuxSpool       = "/tmp"
	DefaultWindowsSpool     = `C:\Windows\Temp`
)

func (p Paths) withDefaults() Paths {
	defaults := map[*string]string{
		&p.AgentPath:        DefaultAgentPath,
		&p.WindowsAgentPath: DefaultWindowsAgentPath,
		&p.Python:           DefaultPython,
		&p.LinuxSpool:       DefaultLinuxSpool,
		&p.WindowsSpool:     DefaultWindowsSpool,
	}
	for field, value := range defaults {
		if *field == "" {
			*field = value
		}
	}
	return p
}

// Request describes one deployment.
type Request struct {
	Formula *formula.Formula
	Mode    Mode
	RunType formula.RunType

	// HostID names the host in managed mode.
	HostID string

	// Host is the explicit target in unmanaged and bootstrap modes.
	Host *host.Host

	Parameters map[string]any

	// Subject is the operator, checked against the authorizer.
	Subject string

	// Force skips the run-history check.
	Force bool
}

// Result is a successful deployment.
type Result struct {
	Host        string
	PackageUUID string
	Mode        Mode

	// RunID is set when a run record was written.
	RunID    string
	Commands []transport.Result
}

// Coordinator runs deployments. It is safe for concurrent use; each
// Deploy owns its package workspace and transport session.
type Coordinator struct {
	compiler   Compiler
	dialer     transport.Dialer
	hosts      HostDirectory
	registrar  Registrar
	runs       RunHistory
	authorizer authz.Authorizer
	reporter   progress.Reporter
	paths      Paths
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New validates cfg and returns a Coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Compiler == nil {
		return nil, errors.New("deploy: Compiler is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("deploy: Dialer is required")
	}
	coordinator := &Coordinator{
		compiler:   cfg.Compiler,
		dialer:     cfg.Dialer,
		hosts:      cfg.Hosts,
		registrar:  cfg.Registrar,
		runs:       cfg.Runs,
		authorizer: cfg.Authorizer,
		reporter:   cfg.Reporter,
		paths:      cfg.Paths.withDefaults(),
		clock:      cfg.Clock,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	if coordinator.authorizer == nil {
		coordinator.authorizer = authz.AllowAll{}
	}
	if coordinator.reporter == nil {
		coordinator.reporter = progress.Discard{}
	}
	if coordinator.clock == nil {
		coordinator.clock = clock.Real()
	}
	if coordinator.logger == nil {
		coordinator.logger = slog.New(slog.DiscardHandler)
	}
	return coordinator, nil
}
