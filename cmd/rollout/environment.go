// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rollout/cmd/rollout/cli"
	"github.com/bureau-foundation/rollout/lib/authz"
	"github.com/bureau-foundation/rollout/lib/barrier"
	"github.com/bureau-foundation/rollout/lib/bus"
	"github.com/bureau-foundation/rollout/lib/compiler"
	"github.com/bureau-foundation/rollout/lib/config"
	"github.com/bureau-foundation/rollout/lib/deploy"
	"github.com/bureau-foundation/rollout/lib/formula"
	"github.com/bureau-foundation/rollout/lib/inventory"
	"github.com/bureau-foundation/rollout/lib/metrics"
	"github.com/bureau-foundation/rollout/lib/orchestrator"
	"github.com/bureau-foundation/rollout/lib/progress"
	"github.com/bureau-foundation/rollout/lib/registry"
	"github.com/bureau-foundation/rollout/lib/sealed"
	"github.com/bureau-foundation/rollout/lib/store"
	"github.com/bureau-foundation/rollout/transport"
)

// globalFlags are accepted by every command that touches state.
type globalFlags struct {
	configPath string
	verbose    bool
}

func (g *globalFlags) add(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&g.configPath, "config", "", "path to rollout.yaml (default: $ROLLOUT_CONFIG)")
	flagSet.BoolVarP(&g.verbose, "verbose", "v", false, "debug logging")
}

// environment owns the control-plane components a command needs. Each
// open* method builds its component once; close releases everything
// in reverse order.
type environment struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store        *store.Store
	catalog      *formula.Catalog
	distributor  *registry.Distributor
	nats         *nats.Conn
	natsTried    bool
	events       *barrier.BadgerStore
	barrier      *barrier.Barrier
	coordinator  *deploy.Coordinator
	orchestrator *orchestrator.Orchestrator

	closers []func() error
}

func newEnvironment(flags globalFlags, command string) (*environment, error) {
	logger := cli.NewCommandLogger(flags.verbose).With("command", command)
	cfg, err := loadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return nil, err
	}
	return &environment{
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(cfg.Metrics.Namespace),
	}, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func (e *environment) close() {
	for index := len(e.closers) - 1; index >= 0; index-- {
		if err := e.closers[index](); err != nil {
			e.logger.Warn("closing component", "error", err)
		}
	}
	e.closers = nil
}

func (e *environment) openStore() (*store.Store, error) {
	if e.store != nil {
		return e.store, nil
	}
	sealer, err := sealed.LoadOrCreate(e.config.Paths.SealingKey)
	if err != nil {
		return nil, fmt.Errorf("loading sealing key: %w", err)
	}
	opened, err := store.Open(store.Config{
		Path:   e.config.DatabasePath(),
		Sealer: sealer,
		Logger: e.logger,
	})
	if err != nil {
		return nil, err
	}
	e.store = opened
	e.closers = append(e.closers, opened.Close)
	return opened, nil
}

func (e *environment) openDistributor() (*registry.Distributor, error) {
	if e.distributor != nil {
		return e.distributor, nil
	}
	opened, err := e.openStore()
	if err != nil {
		return nil, err
	}
	distributor, err := registry.New(registry.Config{
		Store:   opened.Registry(),
		Logger:  e.logger,
		Metrics: e.metrics,
	})
	if err != nil {
		return nil, err
	}
	e.distributor = distributor
	return distributor, nil
}

// openNATS connects when barrier.nats_url is set. A failed connection
// is logged and treated as absent: barrier waits fall back to polling
// and progress goes only to the log.
func (e *environment) openNATS() *nats.Conn {
	if e.natsTried {
		return e.nats
	}
	e.natsTried = true
	if e.config.Barrier.NATSURL == "" {
		return nil
	}
	conn, err := bus.Connect(bus.Config{URL: e.config.Barrier.NATSURL, Name: "rollout-cli", Logger: e.logger})
	if err != nil {
		e.logger.Warn("nats unavailable; continuing without notifications", "error", err)
		return nil
	}
	e.nats = conn
	e.closers = append(e.closers, func() error { return conn.Drain() })
	return conn
}

func (e *environment) openBarrier() (*barrier.Barrier, error) {
	if e.barrier != nil {
		return e.barrier, nil
	}
	events, err := barrier.OpenBadger(barrier.BadgerConfig{Path: e.config.EventStorePath()})
	if err != nil {
		return nil, err
	}
	e.events = events
	e.closers = append(e.closers, events.Close)

	var notifier barrier.Notifier
	if conn := e.openNATS(); conn != nil {
		notifier = barrier.NewNATSNotifier(conn, e.config.Barrier.SubjectPrefix)
	}
	opened, err := barrier.New(barrier.Config{
		Store:        events,
		Notifier:     notifier,
		PollInterval: e.config.Barrier.PollInterval.Std(),
		Logger:       e.logger,
		Metrics:      e.metrics,
	})
	if err != nil {
		return nil, err
	}
	e.barrier = opened
	return opened, nil
}

func (e *environment) loadInventory() (*inventory.Inventory, error) {
	loaded, err := inventory.Load(e.config.Paths.Inventory)
	if errors.Is(err, os.ErrNotExist) {
		e.logger.Debug("no inventory file; only unmanaged deployments are possible", "path", e.config.Paths.Inventory)
		return inventory.New()
	}
	return loaded, err
}

func (e *environment) reporter() progress.Reporter {
	reporters := progress.Fanout{progress.LogReporter{Logger: e.logger}}
	if conn := e.openNATS(); conn != nil {
		reporters = append(reporters, progress.NewNATSReporter(conn, e.config.Barrier.SubjectPrefix, e.logger))
	}
	return reporters
}

func (e *environment) authorizer() (authz.Authorizer, error) {
	return authz.NewRegistry().New(e.config.Authorization.Provider, authz.Options{
		Settings: e.config.Authorization.Options,
		Rules:    e.config.Authorization.Rules,
	})
}

// openDeployment builds the coordinator and the orchestrator along
// with everything they depend on.
func (e *environment) openDeployment() (*deploy.Coordinator, *orchestrator.Orchestrator, error) {
	if e.coordinator != nil {
		return e.coordinator, e.orchestrator, nil
	}
	opened, err := e.openStore()
	if err != nil {
		return nil, nil, err
	}
	distributor, err := e.openDistributor()
	if err != nil {
		return nil, nil, err
	}
	hosts, err := e.loadInventory()
	if err != nil {
		return nil, nil, err
	}
	catalog, err := e.openCatalog()
	if err != nil {
		return nil, nil, err
	}
	authorizer, err := e.authorizer()
	if err != nil {
		return nil, nil, err
	}
	dialer, err := transport.NewSSHDialer(transport.SSHConfig{
		ConnectTimeout: e.config.Transport.ConnectTimeout.Std(),
		KnownHosts:     e.config.Transport.KnownHosts,
		Logger:         e.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	packageCompiler, err := compiler.New(compiler.Config{
		WorkspaceRoot: e.config.Paths.Workspaces,
		InstallRoot:   e.config.Paths.InstallRoot,
		APIEndpoint:   e.config.Control.APIEndpoint,
		FormulaRoot:   e.config.Paths.Formulas,
		Groups:        opened.Groups(),
		Logger:        e.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	coordinator, err := deploy.New(deploy.Config{
		Compiler:   packageCompiler,
		Dialer:     dialer,
		Hosts:      hosts,
		Registrar:  distributor,
		Runs:       opened.Runs(),
		Authorizer: authorizer,
		Reporter:   e.reporter(),
		Paths: deploy.Paths{
			AgentPath:        e.config.Control.AgentPath,
			WindowsAgentPath: e.config.Control.WindowsAgentPath,
			Python:           e.config.Control.Python,
		},
		Logger:  e.logger,
		Metrics: e.metrics,
	})
	if err != nil {
		return nil, nil, err
	}
	groupRunner, err := orchestrator.New(orchestrator.Config{
		Deployer: coordinator,
		Formulas: catalog,
		Hosts:    hosts,
		Groups:   opened.Groups(),
		Workers:  e.config.Orchestrator.Workers,
		Logger:   e.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	e.coordinator, e.orchestrator = coordinator, groupRunner
	return coordinator, groupRunner, nil
}

func (e *environment) openCatalog() (*formula.Catalog, error) {
	if e.catalog != nil {
		return e.catalog, nil
	}
	catalog, err := formula.LoadDirectory(e.config.Paths.Formulas)
	if errors.Is(err, os.ErrNotExist) {
		e.logger.Debug("no formula directory", "path", e.config.Paths.Formulas)
		catalog, err = formula.NewCatalog()
	}
	if err != nil {
		return nil, err
	}
	e.catalog = catalog
	return catalog, nil
}

// formula resolves reference as a formula file when it names one,
// otherwise by uuid or name in the formula directory.
func (e *environment) formula(ctx context.Context, reference string) (*formula.Formula, error) {
	extension := strings.ToLower(filepath.Ext(reference))
	if extension == ".json" || extension == ".jsonc" {
		if _, err := os.Stat(reference); err == nil {
			return formula.ReadFile(reference)
		}
	}
	catalog, err := e.openCatalog()
	if err != nil {
		return nil, err
	}
	return catalog.Formula(ctx, reference)
}
