// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/rollout/cmd/rollout/cli"
	"github.com/bureau-foundation/rollout/lib/barrier"
)

// timeoutExitCode is returned by "event wait" when the deadline passes,
// so scripts can tell a timeout from a failure.
const timeoutExitCode = 2

func eventCommand() *cli.Command {
	return &cli.Command{
		Name:    "event",
		Summary: "Set and wait on named events",
		Description: `Named events let formulas on different hosts coordinate. An event is
set once, optionally with metadata, and every waiter sees it.`,
		Subcommands: []*cli.Command{eventSetCommand(), eventWaitCommand()},
	}
}

func eventSetCommand() *cli.Command {
	var (
		global globalFlags
		meta   []string
	)
	return &cli.Command{
		Name:    "set",
		Summary: "Set an event",
		Usage:   "rollout event set [flags] <event-id>",
		Examples: []cli.Example{
			{Description: "Signal that the schema migration finished", Command: "rollout event set schema-ready --meta version=42"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("set", pflag.ContinueOnError)
			global.add(flagSet)
			flagSet.StringArrayVar(&meta, "meta", nil, "metadata key=value (repeatable)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: rollout event set [flags] <event-id>")
			}
			metadata, err := cli.ParseAssignments(meta)
			if err != nil {
				return err
			}
			env, err := newEnvironment(global, "event set")
			if err != nil {
				return err
			}
			defer env.close()

			events, err := env.openBarrier()
			if err != nil {
				return err
			}
			if err := events.Set(ctx, args[0], metadata); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s %s\n", okStyle.Render("set"), args[0])
			return nil
		},
	}
}

func eventWaitCommand() *cli.Command {
	var (
		global  globalFlags
		timeout time.Duration
	)
	return &cli.Command{
		Name:    "wait",
		Summary: "Block until an event is set",
		Description: fmt.Sprintf(`Block until the event is set and print its metadata. Exits %d when
the timeout passes first.`, timeoutExitCode),
		Usage: "rollout event wait [flags] <event-id>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("wait", pflag.ContinueOnError)
			global.add(flagSet)
			flagSet.DurationVar(&timeout, "timeout", 0, "how long to wait (default: barrier.default_timeout)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: rollout event wait [flags] <event-id>")
			}
			env, err := newEnvironment(global, "event wait")
			if err != nil {
				return err
			}
			defer env.close()

			if timeout == 0 {
				timeout = env.config.Barrier.DefaultTimeout.Std()
			}
			events, err := env.openBarrier()
			if err != nil {
				return err
			}
			metadata, err := events.Wait(ctx, args[0], timeout)
			if errors.Is(err, barrier.ErrTimeout) {
				fmt.Fprintf(os.Stdout, "%s %s after %s\n", failStyle.Render("timeout"), args[0], timeout)
				return &cli.ExitError{Code: timeoutExitCode}
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s %s\n", okStyle.Render("set"), args[0])
			return printMetadata(os.Stdout, metadata)
		},
	}
}

func printMetadata(w io.Writer, metadata map[string]any) error {
	if len(metadata) == 0 {
		return nil
	}
	encoded, err := yaml.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	fmt.Fprint(w, detailStyle.Render(string(encoded)))
	fmt.Fprintln(w)
	return nil
}
