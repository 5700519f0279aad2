// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bureau-foundation/rollout/lib/authz"
	"github.com/bureau-foundation/rollout/lib/compiler"
	"github.com/bureau-foundation/rollout/lib/formula"
	"github.com/bureau-foundation/rollout/lib/host"
	"github.com/bureau-foundation/rollout/lib/pkgcrypt"
	"github.com/bureau-foundation/rollout/lib/progress"
	"github.com/bureau-foundation/rollout/lib/store"
	"github.com/bureau-foundation/rollout/transport"
)

// Validate runs every check that precedes package compilation and
// returns the resolved host. The group orchestrator calls it for every
// target before starting any deployment.
func (c *Coordinator) Validate(ctx context.Context, request Request) (host.Host, error) {
	source := request.Formula
	if source == nil {
		return host.Host{}, errors.New("deploy: formula is required")
	}
	if source.Type == formula.Group {
		return host.Host{}, fmt.Errorf("formula %s is a group formula and must be run through the group orchestrator", source.Name)
	}

	target, err := c.resolveHost(ctx, request)
	if err != nil {
		return host.Host{}, err
	}

	if err := authz.Check(ctx, c.authorizer, request.Subject, formulaID(source)); err != nil {
		return host.Host{}, err
	}

	if !source.Supports(target.Facts.Platform()) {
		return host.Host{}, fmt.Errorf("host %s (%s) for formula %s: %w",
			target.ID, target.Facts.Platform(), source.Name, ErrUnsupportedHost)
	}

	if request.mode() == Managed && !request.Force {
		if err := c.checkHistory(ctx, source, target.ID); err != nil {
			return host.Host{}, err
		}
	}
	return target, nil
}

func (c *Coordinator) resolveHost(ctx context.Context, request Request) (host.Host, error) {
	var target host.Host
	switch request.mode() {
	case Managed:
		if c.hosts == nil || c.registrar == nil || c.runs == nil {
			return host.Host{}, errors.New("deploy: managed mode needs a host directory, registrar, and run history")
		}
		if request.HostID == "" {
			return host.Host{}, errors.New("deploy: host id is required in managed mode")
		}
		found, err := c.hosts.Lookup(ctx, request.HostID)
		if err != nil {
			return host.Host{}, fmt.Errorf("resolving host %s: %w", request.HostID, err)
		}
		target = found
	case Unmanaged, Bootstrap:
		if request.Host == nil {
			return host.Host{}, fmt.Errorf("deploy: %s mode needs explicit host connection parameters", request.mode())
		}
		target = *request.Host
		if target.Connection.Address == "" {
			return host.Host{}, errors.New("deploy: host connection address is required")
		}
		if target.ID == "" {
			target.ID = target.Connection.Address
		}
	default:
		return host.Host{}, fmt.Errorf("deploy: unknown mode %q", request.Mode)
	}
	if target.Type == "" {
		target.Type = host.Linux
	}
	return target, nil
}

// checkHistory rejects a run when the current record ended in error,
// or when a service formula has already been applied.
func (c *Coordinator) checkHistory(ctx context.Context, source *formula.Formula, hostID string) error {
	current, err := c.runs.Current(ctx, hostID, formulaID(source))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading run history for host %s: %w", hostID, err)
	}
	switch {
	case current.Status == store.RunError:
		return fmt.Errorf("formula %s on host %s: last run %s failed: %w", source.Name, hostID, current.ID, ErrAlreadyApplied)
	case source.Type == formula.Service:
		return fmt.Errorf("formula %s on host %s: service run %s is %s: %w", source.Name, hostID, current.ID, current.Status, ErrAlreadyApplied)
	}
	return nil
}

// Deploy validates, compiles, ships, and executes one package.
func (c *Coordinator) Deploy(ctx context.Context, request Request) (*Result, error) {
	started := c.clock.Now()
	mode := request.mode()
	tracker := &tracker{coordinator: c, request: request, hostID: request.targetID()}

	tracker.report(ctx, Validating, "")
	target, err := c.Validate(ctx, request)
	if err != nil {
		tracker.fail(ctx, err)
		c.metrics.DeploymentFinished(string(mode), "rejected", c.clock.Now().Sub(started))
		return nil, err
	}
	tracker.hostID = target.ID

	result, err := c.apply(ctx, tracker, target)
	elapsed := c.clock.Now().Sub(started)
	if err != nil {
		tracker.fail(ctx, err)
		c.metrics.DeploymentFinished(string(mode), "failed", elapsed)
		return nil, err
	}
	tracker.report(ctx, Succeeded, "")
	c.metrics.DeploymentFinished(string(mode), "succeeded", elapsed)
	c.logger.Info("deployment succeeded",
		"host", target.ID,
		"formula", request.Formula.Name,
		"package", result.PackageUUID,
		"mode", mode,
		"elapsed", elapsed,
	)
	return result, nil
}

func (c *Coordinator) apply(ctx context.Context, tracker *tracker, target host.Host) (*Result, error) {
	request := tracker.request
	mode := request.mode()
	logger := c.logger.With("host", target.ID, "formula", request.Formula.Name, "mode", mode)

	tracker.report(ctx, Compiling, "")
	pkg, err := c.compiler.Compile(ctx, compiler.Request{
		Formula:    request.Formula,
		Host:       target,
		Parameters: CompilerParameters(request.Parameters),
		RunType:    request.RunType,
		Managed:    mode == Managed,
	})
	if err != nil {
		return nil, fmt.Errorf("compiling %s for host %s: %w", request.Formula.Name, target.ID, err)
	}
	logger = logger.With("package", pkg.UUID)

	artifact := pkg.ArchivePath
	var directKey string
	switch {
	case mode == Managed:
		tracker.report(ctx, Encrypting, "")
		registration, err := c.registrar.Register(ctx, formulaID(request.Formula), pkg.UUID, target.ID, pkg.ArchivePath)
		if err != nil {
			return nil, c.abandon(logger, pkg, err)
		}
		artifact = registration.EncryptedPath
	case mode == Bootstrap && target.Type == host.Windows:
		tracker.report(ctx, Encrypting, "")
		key, err := pkgcrypt.NewKey()
		if err != nil {
			return nil, c.abandon(logger, pkg, err)
		}
		artifact = pkg.ArchivePath + ".enc"
		if err := pkgcrypt.EncryptFile(pkg.ArchivePath, artifact, key); err != nil {
			return nil, c.abandon(logger, pkg, err)
		}
		directKey = pkgcrypt.EncodeKey(key)
	}

	tracker.report(ctx, Distributing, "")
	session, err := transport.Open(ctx, transport.Config{
		Dialer:     c.dialer,
		Type:       target.Type,
		Connection: target.Connection,
		Logger:     logger,
		Metrics:    c.metrics,
	})
	if err != nil {
		return nil, c.abandon(logger, pkg, fmt.Errorf("host %s: %w", target.ID, err))
	}
	defer session.Close()
	session.Redact(directKey)

	remote := c.remotePath(target.Type, filepath.Base(artifact))
	var options transport.FileOptions
	if target.Type == host.Linux {
		options.Mode = "0600"
	}
	if err := session.SendFile(ctx, artifact, remote, options); err != nil {
		return nil, c.abandon(logger, pkg, fmt.Errorf("host %s: %w", target.ID, err))
	}

	var runID string
	if mode == Managed {
		record, err := c.runs.Start(ctx, store.RunRecord{
			HostID:       target.ID,
			Formula:      formulaID(request.Formula),
			PackageUUID:  pkg.UUID,
			Status:       store.RunRunning,
			Dependencies: request.Formula.Dependencies,
			Parameters:   RecordParameters(request.Parameters, request.Formula.Fieldset),
		})
		if err != nil {
			return nil, c.abandon(logger, pkg, fmt.Errorf("recording run: %w", err))
		}
		runID = record.ID
	}

	tracker.report(ctx, Executing, "")
	results := session.Execute(ctx, c.commands(target.Type, mode, pkg.UUID, directKey)...)
	output := combinedOutput(results)

	if failure := firstFailure(target.ID, results); failure != nil {
		c.finishRun(ctx, logger, runID, store.RunError, output, failure.Error())
		return nil, c.abandon(logger, pkg, failure)
	}
	if err := c.finishRun(ctx, logger, runID, store.RunSuccess, output, ""); err != nil {
		return nil, err
	}

	if err := pkg.Cleanup(); err != nil {
		logger.Warn("removing package workspace", "error", err)
	}
	return &Result{
		Host:        target.ID,
		PackageUUID: pkg.UUID,
		Mode:        mode,
		RunID:       runID,
		Commands:    results,
	}, nil
}

// abandon logs a failed deployment. The workspace and artifacts stay
// on disk for inspection.
func (c *Coordinator) abandon(logger *slog.Logger, pkg *compiler.Package, err error) error {
	logger.Error("deployment failed, package workspace kept",
		"workspace", pkg.Workspace,
		"error", err,
	)
	return err
}

func (c *Coordinator) finishRun(ctx context.Context, logger *slog.Logger, runID string, status store.RunStatus, output []byte, message string) error {
	if runID == "" {
		return nil
	}
	if err := c.runs.Finish(ctx, runID, status, output, message); err != nil {
		logger.Error("recording run result", "run", runID, "status", status, "error", err)
		return fmt.Errorf("recording run %s as %s: %w", runID, status, err)
	}
	return nil
}

func (c *Coordinator) remotePath(hostType host.Type, name string) string {
	if hostType == host.Windows {
		return strings.TrimRight(c.paths.WindowsSpool, `\`) + `\` + name
	}
	return path.Join(c.paths.LinuxSpool, name)
}

// commands selects the execution commands for host type and mode.
func (c *Coordinator) commands(hostType host.Type, mode Mode, packageUUID, directKey string) []string {
	if hostType == host.Windows {
		command := c.paths.WindowsAgentPath + " exec-pkg --uuid " + packageUUID
		if directKey != "" {
			command += " --decrypt " + directKey
		}
		return []string{command}
	}
	if mode == Managed {
		return []string{transport.Privileged(transport.Quote(c.paths.AgentPath) + " exec-pkg --uuid " + transport.Quote(packageUUID))}
	}
	archive := path.Join(c.paths.LinuxSpool, packageUUID+".tar.gz")
	entry := path.Join(c.paths.LinuxSpool, packageUUID, compiler.EntryScript)
	return []string{
		transport.Privileged("tar xzf " + transport.Quote(archive) + " -C " + transport.Quote(c.paths.LinuxSpool)),
		transport.Privileged(c.paths.Python + " " + transport.Quote(entry)),
	}
}

// firstFailure converts the first failed command into a CommandError.
func firstFailure(hostID string, results []transport.Result) *CommandError {
	for _, result := range results {
		if result.Failed() {
			return &CommandError{
				Host:     hostID,
				Command:  result.Command,
				ExitCode: result.ExitCode,
				Stderr:   result.Stderr,
				Err:      result.Err,
			}
		}
	}
	return nil
}

func combinedOutput(results []transport.Result) []byte {
	var builder strings.Builder
	for _, result := range results {
		fmt.Fprintf(&builder, "$ %s\n", result.Command)
		builder.WriteString(result.Stdout)
		if result.Stderr != "" {
			builder.WriteString(result.Stderr)
		}
		if result.Stdout != "" && !strings.HasSuffix(result.Stdout, "\n") {
			builder.WriteByte('\n')
		}
	}
	return []byte(builder.String())
}

func formulaID(source *formula.Formula) string {
	if source.UUID != "" {
		return source.UUID
	}
	return source.Name
}

func (r Request) mode() Mode {
	if r.Mode == "" {
		return Managed
	}
	return r.Mode
}

func (r Request) targetID() string {
	switch {
	case r.HostID != "":
		return r.HostID
	case r.Host != nil && r.Host.ID != "":
		return r.Host.ID
	case r.Host != nil:
		return r.Host.Connection.Address
	}
	return ""
}

// tracker reports lifecycle transitions for one deployment.
type tracker struct {
	coordinator *Coordinator
	request     Request
	hostID      string
}

func (t *tracker) report(ctx context.Context, state State, detail string) {
	formulaName := ""
	if t.request.Formula != nil {
		formulaName = t.request.Formula.Name
	}
	t.coordinator.reporter.Notify(ctx, progress.Message{
		Host:    t.hostID,
		Formula: formulaName,
		State:   string(state),
		Detail:  detail,
		Time:    t.coordinator.clock.Now().Truncate(time.Millisecond),
	})
}

func (t *tracker) fail(ctx context.Context, err error) {
	t.report(ctx, Failed, err.Error())
}
