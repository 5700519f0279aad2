// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator runs a group formula: one deployment per target
// across several hosts.
//
// A group run resolves the placeholders in every target, validates
// every target host, and only then starts deploying. Deployments run on
// a bounded pool of workers; targets that share a host run in
// declaration order on the same worker, so one host never sees two
// concurrent packages from the same group. A failing host does not stop
// its siblings and nothing is rolled back. When every host succeeds
// and the run was named, a host group is recorded so later compiles can
// read the resolved target set as hostgroup.<name>.* variables.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/bureau-foundation/rollout/lib/deploy"
	"github.com/bureau-foundation/rollout/lib/formula"
	"github.com/bureau-foundation/rollout/lib/host"
	"github.com/bureau-foundation/rollout/lib/store"
)

// DefaultWorkers bounds concurrent deployments when Config.Workers is
// zero.
const DefaultWorkers = 16

// ErrGroupExists means a host group with the requested name already
// exists.
var ErrGroupExists = errors.New("host group already exists")

// Deployer validates and runs single-host deployments.
// *deploy.Coordinator implements it.
type Deployer interface {
	Validate(ctx context.Context, request deploy.Request) (host.Host, error)
	Deploy(ctx context.Context, request deploy.Request) (*deploy.Result, error)
}

// HostDirectory resolves hosts for {%HOST:...%} placeholders.
type HostDirectory interface {
	Lookup(ctx context.Context, id string) (host.Host, error)
}

// GroupStore persists host groups. *store.HostGroupStore implements it.
type GroupStore interface {
	Exists(ctx context.Context, name string) (bool, error)
	Create(ctx context.Context, group store.HostGroup) (store.HostGroup, error)
}

// Config holds the collaborators of an Orchestrator.
type Config struct {
	Deployer Deployer
	Formulas formula.Source
	Hosts    HostDirectory

	// Groups is required only for named runs.
	Groups GroupStore

	Workers int
	Logger  *slog.Logger
}

// Orchestrator runs group formulas.
type Orchestrator struct {
	deployer Deployer
	formulas formula.Source
	hosts    HostDirectory
	groups   GroupStore
	workers  int
	logger   *slog.Logger
}

// New validates cfg and returns an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Deployer == nil {
		return nil, errors.New("orchestrator: Deployer is required")
	}
	if cfg.Formulas == nil {
		return nil, errors.New("orchestrator: Formulas is required")
	}
	if cfg.Hosts == nil {
		return nil, errors.New("orchestrator: Hosts is required")
	}
	orchestrator := &Orchestrator{
		deployer: cfg.Deployer,
		formulas: cfg.Formulas,
		hosts:    cfg.Hosts,
		groups:   cfg.Groups,
		workers:  cfg.Workers,
		logger:   cfg.Logger,
	}
	if orchestrator.workers <= 0 {
		orchestrator.workers = DefaultWorkers
	}
	if orchestrator.logger == nil {
		orchestrator.logger = slog.New(slog.DiscardHandler)
	}
	return orchestrator, nil
}

// Request describes one group run.
type Request struct {
	Formula *formula.Formula

	// Name, when set, records a host group after a fully successful
	// run.
	Name string

	// Parameters are group-level values that @name placeholders fall
	// back to.
	Parameters map[string]any

	RunType formula.RunType
	Subject string
	Force   bool
}

// Target is one fully resolved member of the targets block.
type Target struct {
	Formula    *formula.Formula
	HostID     string
	Parameters map[string]any
}

// Result is a successful group run.
type Result struct {
	Targets []Target

	// Deployments holds each host's results in target order.
	Deployments map[string][]*deploy.Result

	// Group is set when a host group was recorded.
	Group *store.HostGroup
}

// GroupError reports every host that failed. Stage is "validation"
// when no deployment was started, "execution" otherwise.
type GroupError struct {
	Stage    string
	Total    int
	Failures map[string]error
}

// Hosts returns the failed host ids in sorted order.
func (e *GroupError) Hosts() []string {
	hosts := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		hosts = append(hosts, id)
	}
	slices.Sort(hosts)
	return hosts
}

func (e *GroupError) Error() string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "group %s failed on %d of %d hosts", e.Stage, len(e.Failures), e.Total)
	for _, id := range e.Hosts() {
		fmt.Fprintf(&builder, "\n  %s: %v", id, e.Failures[id])
	}
	return builder.String()
}

func (e *GroupError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, id := range e.Hosts() {
		errs = append(errs, e.Failures[id])
	}
	return errs
}

// Resolve expands the targets block of a group formula.
func (o *Orchestrator) Resolve(ctx context.Context, request Request) ([]Target, error) {
	source := request.Formula
	if source == nil {
		return nil, errors.New("orchestrator: formula is required")
	}
	if err := source.Validate(); err != nil {
		return nil, err
	}
	if source.Type != formula.Group {
		return nil, fmt.Errorf("formula %s is a %s formula, not a group", source.Name, source.Type)
	}

	cache := make(map[string]host.Host)
	targets := make([]Target, 0, len(source.Targets))
	// earlier holds the resolved parameters of the targets before the
	// current one, in declaration order.
	earlier := make([]map[string]any, 0, len(source.Targets))
	for index, declared := range source.Targets {
		member, err := o.formulas.Formula(ctx, declared.Formula)
		if err != nil {
			return nil, fmt.Errorf("targets[%d]: %w", index, err)
		}
		if member.Type == formula.Group {
			return nil, fmt.Errorf("targets[%d]: formula %s is itself a group", index, member.Name)
		}

		scopes := append([]map[string]any{declared.Parameters}, earlier...)
		resolve := newResolver(ctx, o.hosts, cache, append(scopes, request.Parameters)...)
		hostValue, err := resolve.text(declared.Host, 0)
		if err != nil {
			return nil, fmt.Errorf("targets[%d].host: %w", index, err)
		}
		hostID, ok := hostValue.(string)
		if !ok || hostID == "" {
			return nil, fmt.Errorf("targets[%d].host: %q does not resolve to a host id", index, declared.Host)
		}
		parameters, err := resolve.parameters(declared.Parameters)
		if err != nil {
			return nil, fmt.Errorf("targets[%d].parameters.%w", index, err)
		}
		targets = append(targets, Target{Formula: member, HostID: hostID, Parameters: parameters})
		earlier = append(earlier, parameters)
	}
	return targets, nil
}

func (o *Orchestrator) deployRequest(request Request, target Target) deploy.Request {
	return deploy.Request{
		Formula:    target.Formula,
		Mode:       deploy.Managed,
		RunType:    request.RunType,
		HostID:     target.HostID,
		Parameters: target.Parameters,
		Subject:    request.Subject,
		Force:      request.Force,
	}
}

// Run resolves, validates, and deploys every target.
func (o *Orchestrator) Run(ctx context.Context, request Request) (*Result, error) {
	if request.Name != "" {
		if o.groups == nil {
			return nil, errors.New("orchestrator: a named group run needs a group store")
		}
		exists, err := o.groups.Exists(ctx, request.Name)
		if err != nil {
			return nil, fmt.Errorf("checking host group %q: %w", request.Name, err)
		}
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrGroupExists, request.Name)
		}
	}

	targets, err := o.Resolve(ctx, request)
	if err != nil {
		return nil, err
	}
	jobs := groupByHost(targets)

	if err := o.validate(ctx, request, targets, len(jobs)); err != nil {
		return nil, err
	}

	logger := o.logger.With("formula", request.Formula.Name, "group", request.Name)
	logger.Info("group run started", "targets", len(targets), "hosts", len(jobs), "workers", min(o.workers, len(jobs)))

	deployments, failures := o.execute(ctx, request, jobs)
	if len(failures) > 0 {
		groupErr := &GroupError{Stage: "execution", Total: len(jobs), Failures: failures}
		logger.Error("group run failed", "failed", groupErr.Hosts(), "succeeded", len(jobs)-len(failures))
		return nil, groupErr
	}

	result := &Result{Targets: targets, Deployments: deployments}
	if request.Name != "" {
		group, err := o.groups.Create(ctx, store.HostGroup{
			Name:     request.Name,
			Formula:  request.Formula.UUID,
			Metadata: groupMetadata(request.Formula, targets),
			Members:  hostIDs(jobs),
		})
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: %s", ErrGroupExists, request.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("recording host group %q: %w", request.Name, err)
		}
		result.Group = &group
	}
	logger.Info("group run succeeded", "hosts", len(jobs))
	return result, nil
}

// validate checks every target before any deployment starts.
func (o *Orchestrator) validate(ctx context.Context, request Request, targets []Target, hosts int) error {
	failures := make(map[string]error)
	for _, target := range targets {
		if _, err := o.deployer.Validate(ctx, o.deployRequest(request, target)); err != nil {
			if previous, ok := failures[target.HostID]; ok {
				err = errors.Join(previous, err)
			}
			failures[target.HostID] = err
		}
	}
	if len(failures) == 0 {
		return nil
	}
	groupErr := &GroupError{Stage: "validation", Total: hosts, Failures: failures}
	o.logger.Warn("group run rejected before start", "formula", request.Formula.Name, "failed", groupErr.Hosts())
	return groupErr
}

// job is every target of one host, in declaration order.
type job struct {
	hostID  string
	targets []Target
}

type jobResult struct {
	hostID      string
	deployments []*deploy.Result
	err         error
}

func groupByHost(targets []Target) []job {
	var jobs []job
	index := make(map[string]int)
	for _, target := range targets {
		position, seen := index[target.HostID]
		if !seen {
			position = len(jobs)
			index[target.HostID] = position
			jobs = append(jobs, job{hostID: target.HostID})
		}
		jobs[position].targets = append(jobs[position].targets, target)
	}
	return jobs
}

// execute runs jobs on the worker pool. Only the calling goroutine
// writes the result maps.
func (o *Orchestrator) execute(ctx context.Context, request Request, jobs []job) (map[string][]*deploy.Result, map[string]error) {
	workCh := make(chan job, len(jobs))
	doneCh := make(chan jobResult, len(jobs))
	for _, item := range jobs {
		workCh <- item
	}
	close(workCh)

	for range min(o.workers, len(jobs)) {
		go func() {
			for item := range workCh {
				doneCh <- o.runJob(ctx, request, item)
			}
		}()
	}

	deployments := make(map[string][]*deploy.Result, len(jobs))
	failures := make(map[string]error)
	for range jobs {
		result := <-doneCh
		if result.err != nil {
			failures[result.hostID] = result.err
			continue
		}
		deployments[result.hostID] = result.deployments
	}
	return deployments, failures
}

// runJob stops at the first failing target of the host.
func (o *Orchestrator) runJob(ctx context.Context, request Request, item job) jobResult {
	result := jobResult{hostID: item.hostID}
	for _, target := range item.targets {
		deployment, err := o.deployer.Deploy(ctx, o.deployRequest(request, target))
		if err != nil {
			result.err = fmt.Errorf("formula %s: %w", target.Formula.Name, err)
			return result
		}
		result.deployments = append(result.deployments, deployment)
	}
	return result
}

func hostIDs(jobs []job) []string {
	ids := make([]string, len(jobs))
	for index, item := range jobs {
		ids[index] = item.hostID
	}
	return ids
}

// groupMetadata captures the resolved target set with secret fields
// removed.
func groupMetadata(source *formula.Formula, targets []Target) map[string]any {
	resolved := make([]any, len(targets))
	for index, target := range targets {
		resolved[index] = map[string]any{
			"formula":    target.Formula.Name,
			"uuid":       target.Formula.UUID,
			"host":       target.HostID,
			"parameters": deploy.RecordParameters(target.Parameters, target.Formula.Fieldset),
		}
	}
	return map[string]any{
		"formula": source.Name,
		"targets": resolved,
		"hosts":   len(groupByHost(targets)),
	}
}
