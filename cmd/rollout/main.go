// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command rollout is the control-plane CLI: it compiles formulas into
// packages, ships them to hosts over SSH, orchestrates group rollouts,
// coordinates hosts through named events, and serves the agent API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/rollout/cmd/rollout/cli"
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
		Name: "rollout",
		Description: `rollout applies formulas to hosts.

Formulas are compiled into self-contained packages, shipped over SSH,
and run on the host. Managed hosts unpack packages through the local
agent, which fetches each package key from "rollout serve".`,
		Subcommands: []*cli.Command{
			deployCommand(),
			groupCommand(),
			eventCommand(),
			packageCommand(),
			historyCommand(),
			serveCommand(),
			versionCommand(),
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print build information",
		Run: func(context.Context, []string) error {
			fmt.Fprintln(os.Stdout, version.Banner("rollout"))
			return nil
		},
	}
}
