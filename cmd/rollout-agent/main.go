// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// rollout-agent is the host-side half of a managed deployment. The
// control plane uploads an encrypted package into the spool and runs
//
//	rollout-agent exec-pkg --uuid <package-uuid>
//
// over SSH. The agent submits the artifact checksum to the control-plane
// API, receives the key, decrypts and extracts the package, confirms
// the decrypt, and runs the entry script. Windows bootstrap runs pass
// the key directly with --decrypt since no API round trip is possible
// before the agent is configured.
//
// The exit status is the entry script's, or 1 when the package could
// not be obtained.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rollout/cmd/rollout/cli"
	"github.com/bureau-foundation/rollout/lib/agent"
	"github.com/bureau-foundation/rollout/lib/api"
	"github.com/bureau-foundation/rollout/lib/config"
	"github.com/bureau-foundation/rollout/lib/process"
	"github.com/bureau-foundation/rollout/lib/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := root().Execute(ctx, os.Args[1:])
	stop()
	if err == nil {
		return
	}
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.ExitCode())
	}
	process.Fatal(err)
}

func root() *cli.Command {
	return &cli.Command{
		Name:        "rollout-agent",
		Description: "rollout-agent unpacks and runs packages shipped by the rollout control plane.",
		Subcommands: []*cli.Command{
			execCommand(),
			{
				Name:    "version",
				Summary: "Print build information",
				Run: func(context.Context, []string) error {
					fmt.Fprintln(os.Stdout, version.Banner("rollout-agent"))
					return nil
				},
			},
		},
	}
}

// execFlags are the exec-pkg flags. Flags that are set override the
// agent config file.
type execFlags struct {
	configPath  string
	packageUUID string
	directKey   string
	spool       string
	hostID      string
	endpoint    string
	interpreter string
	verbose     bool
}

func (f *execFlags) add(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.configPath, "config", "", "agent config (default: $ROLLOUT_AGENT_CONFIG or "+config.DefaultAgentConfigPath+")")
	flagSet.StringVar(&f.packageUUID, "uuid", "", "package uuid (required)")
	flagSet.StringVar(&f.directKey, "decrypt", "", "hex package key; skips the verify handshake")
	flagSet.StringVar(&f.spool, "spool", "", "spool directory holding the uploaded package")
	flagSet.StringVar(&f.hostID, "host", "", "host id registered with the control plane")
	flagSet.StringVar(&f.endpoint, "api", "", "control-plane API endpoint")
	flagSet.StringVar(&f.interpreter, "interpreter", "", "interpreter for the entry script")
	flagSet.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
}

// resolve loads the config file and applies the flags on top.
func (f *execFlags) resolve() (*config.AgentConfig, error) {
	cfg, err := config.LoadAgent(f.configPath)
	if err != nil {
		return nil, err
	}
	for target, value := range map[*string]string{
		&cfg.Spool:       f.spool,
		&cfg.HostID:      f.hostID,
		&cfg.APIEndpoint: f.endpoint,
		&cfg.Interpreter: f.interpreter,
	} {
		if value != "" {
			*target = value
		}
	}
	if err := cfg.Validate(f.directKey == ""); err != nil {
		return nil, fmt.Errorf("invalid agent configuration:\n%w", err)
	}
	return cfg, nil
}

func execCommand() *cli.Command {
	var flags execFlags
	return &cli.Command{
		Name:    "exec-pkg",
		Summary: "Decrypt, extract, and run a package from the spool",
		Usage:   "rollout-agent exec-pkg --uuid <package-uuid> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("exec-pkg", pflag.ContinueOnError)
			flags.add(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 || flags.packageUUID == "" {
				return fmt.Errorf("usage: rollout-agent exec-pkg --uuid <package-uuid> [flags]")
			}
			cfg, err := flags.resolve()
			if err != nil {
				return err
			}
			logger := cli.NewCommandLogger(flags.verbose).With("command", "exec-pkg")

			agentConfig := agent.Config{
				HostID: cfg.HostID,
				Spool:  cfg.Spool,
				Runner: &agent.ExecRunner{Interpreter: cfg.Interpreter, Stdout: os.Stdout, Stderr: os.Stderr},
				Logger: logger,
			}
			if flags.directKey == "" {
				client, err := api.NewClient(cfg.APIEndpoint, &http.Client{Timeout: cfg.RequestTimeout.Std()})
				if err != nil {
					return err
				}
				client.SetUserAgent(version.UserAgent("rollout-agent"))
				agentConfig.Keys = client
			}
			packageAgent, err := agent.New(agentConfig)
			if err != nil {
				return err
			}

			err = packageAgent.ExecPackage(ctx, flags.packageUUID, agent.ExecOptions{DirectKey: flags.directKey})
			var scriptErr *agent.ScriptError
			if errors.As(err, &scriptErr) {
				logger.Error("entry script failed", "exit_code", scriptErr.ExitCode)
				return &cli.ExitError{Code: scriptErr.ExitCode}
			}
			return err
		},
	}
}
