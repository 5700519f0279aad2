// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compiler turns a formula, runtime parameters, and a target
// host into a package: a workspace directory holding an entry script
// (main.py) plus materialized files, archived as <uuid>.tar.gz.
//
// Compilation is a pipeline of typed stages:
//
//  1. Variables are merged from five layers, later overriding earlier:
//     base paths, package attributes, runtime parameters, host facts,
//     and the metadata of host groups the host belongs to.
//  2. Each manifest entry selects the first variant whose support list
//     matches the host platform and becomes one or more Steps. An entry
//     with no matching variant, or whose source cannot be materialized,
//     becomes an Unsupported stub rather than failing the build.
//  3. A Generator for the host type renders each section's steps into
//     Python statements.
//  4. The run-type template is rendered with the variables and the
//     section fragments, a random salt file is added, and the workspace
//     is archived.
//
// Only an invalid formula or a missing required parameter fails
// compilation outright.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/rollout/lib/formula"
	"github.com/bureau-foundation/rollout/lib/host"
	"github.com/bureau-foundation/rollout/lib/store"
)

// EntryScript is the package's entry point, relative to its root.
const EntryScript = "main.py"

// GroupSource returns the host groups a host belongs to. Their
// metadata forms the last variable layer.
type GroupSource interface {
	ForHost(ctx context.Context, hostID string) ([]store.HostGroup, error)
}

// Config holds the parameters for a Compiler.
type Config struct {
	// WorkspaceRoot holds one directory and one archive per package.
	WorkspaceRoot string

	// InstallRoot and APIEndpoint seed the base variable layer.
	InstallRoot string
	APIEndpoint string

	// FormulaRoot anchors relative "local" file sources.
	FormulaRoot string

	// Groups is optional.
	Groups GroupSource

	// HTTPClient downloads "remote" file sources. Defaults to a client
	// with a 60 second timeout.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Compiler builds packages. It is safe for concurrent use; each
// Compile call owns its own workspace.
type Compiler struct {
	config Config
	logger *slog.Logger
}

// New creates a Compiler.
func New(cfg Config) (*Compiler, error) {
	if cfg.WorkspaceRoot == "" {
		return nil, errors.New("compiler: WorkspaceRoot is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Compiler{config: cfg, logger: logger}, nil
}

// Request describes one package build.
type Request struct {
	Formula    *formula.Formula
	Host       host.Host
	Parameters map[string]any
	RunType    formula.RunType

	// Managed records the run mode as the package.mode variable.
	Managed bool

	// PackageUUID is generated when empty.
	PackageUUID string
}

// Package is a compiled artifact.
type Package struct {
	UUID        string
	Workspace   string
	ArchivePath string

	// Plan is the step list the entry script was generated from.
	Plan Plan

	// Script is the rendered entry script.
	Script string
}

// Cleanup removes the workspace, the archive, and the encrypted
// artifact next to it if one was written.
func (p *Package) Cleanup() error {
	return errors.Join(
		os.RemoveAll(p.Workspace),
		removeIfExists(p.ArchivePath),
		removeIfExists(p.ArchivePath+".enc"),
	)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Compile builds a package for request.
func (c *Compiler) Compile(ctx context.Context, request Request) (*Package, error) {
	source := request.Formula
	if source == nil {
		return nil, errors.New("compiler: formula is required")
	}
	if err := source.Validate(); err != nil {
		return nil, err
	}
	runType := request.RunType
	if runType == "" {
		runType = formula.Install
	}
	parameters, err := formula.ResolveFieldset(source.Fieldset, request.Parameters)
	if err != nil {
		return nil, fmt.Errorf("formula %s: %w", source.Name, err)
	}
	template, err := runTemplate(source, runType)
	if err != nil {
		return nil, err
	}

	packageUUID := request.PackageUUID
	if packageUUID == "" {
		packageUUID = uuid.NewString()
	}
	logger := c.logger.With("package", packageUUID, "formula", source.Name, "host", request.Host.ID)

	variables, err := c.variables(ctx, request, source, runType, packageUUID, parameters)
	if err != nil {
		return nil, err
	}
	unresolved := func(name string) {
		logger.Error("unresolved template variable", "variable", name)
	}
	render := func(text string) string { return Render(text, variables, unresolved) }

	workspace := filepath.Join(c.config.WorkspaceRoot, packageUUID)
	if err := os.MkdirAll(workspace, 0o700); err != nil {
		return nil, fmt.Errorf("creating package workspace: %w", err)
	}

	plan := (&planner{
		formula:  source,
		host:     request.Host,
		platform: request.Host.Facts.Platform(),
		runType:  runType,
		render:   render,
		files: &materializer{
			workspace:  workspace,
			localRoot:  c.config.FormulaRoot,
			formula:    source,
			render:     render,
			httpClient: c.config.HTTPClient,
		},
		logger: logger,
	}).build(ctx)

	generator := GeneratorFor(request.Host.Type)
	sections := map[string]string{
		"header":    c.header(source, request.Host, runType, packageUUID),
		"prelude":   generator.Prelude(),
		"variables": variablesLiteral(variables),
	}
	for _, section := range plan.Sections {
		sections[section.Name] = renderSection(generator, section.Name, section.Steps, func(step Step, err error) {
			logger.Warn("step degraded to stub", "section", section.Name, "entry", step.EntryName(), "error", err)
		})
	}
	// Variables land in Python source, so they are only ever written as
	// string literals.
	script := renderer{variables: variables, sections: sections, quote: pyString, unresolved: unresolved}.render(template)

	if err := os.WriteFile(filepath.Join(workspace, EntryScript), []byte(script), 0o755); err != nil {
		return nil, fmt.Errorf("writing entry script: %w", err)
	}
	if err := writeSalt(workspace); err != nil {
		return nil, err
	}

	archivePath := filepath.Join(c.config.WorkspaceRoot, packageUUID+".tar.gz")
	if err := writeArchive(workspace, archivePath); err != nil {
		return nil, err
	}

	logger.Info("package compiled",
		"run_type", runType,
		"platform", request.Host.Facts.Platform().String(),
		"archive", archivePath,
	)
	return &Package{
		UUID:        packageUUID,
		Workspace:   workspace,
		ArchivePath: archivePath,
		Plan:        plan,
		Script:      script,
	}, nil
}

// variables merges the five layers.
func (c *Compiler) variables(ctx context.Context, request Request, source *formula.Formula, runType formula.RunType, packageUUID string, parameters map[string]any) (Variables, error) {
	mode := "unmanaged"
	if request.Managed {
		mode = "managed"
	}
	base := Variables{
		"paths.install_root":   c.config.InstallRoot,
		"control.api_endpoint": c.config.APIEndpoint,
	}
	packageLayer := Variables{
		"package.uuid":     packageUUID,
		"package.run_type": string(runType),
		"package.mode":     mode,
		"formula.uuid":     source.UUID,
		"formula.name":     source.Name,
		"formula.type":     string(source.Type),
	}

	var groupLayer Variables
	if c.config.Groups != nil && request.Host.ID != "" {
		groups, err := c.config.Groups.ForHost(ctx, request.Host.ID)
		if err != nil {
			return nil, fmt.Errorf("loading host groups for %s: %w", request.Host.ID, err)
		}
		groupLayer = make(Variables)
		for _, group := range groups {
			for name, value := range FromMap("hostgroup."+group.Name, group.Metadata) {
				groupLayer[name] = value
			}
		}
	}

	return Merge(base, packageLayer, FromMap("params", parameters), Variables(request.Host.Variables()), groupLayer), nil
}

func (c *Compiler) header(source *formula.Formula, target host.Host, runType formula.RunType, packageUUID string) string {
	lines := []string{
		fmt.Sprintf("rollout %s package %s", runType, packageUUID),
		fmt.Sprintf("formula: %s (%s)", source.Name, source.UUID),
		fmt.Sprintf("host: %s %s", target.ID, target.Facts.Platform()),
	}
	header := ""
	for index, line := range lines {
		if index > 0 {
			header += "\n"
		}
		header += "# " + commentText(line)
	}
	return header
}
