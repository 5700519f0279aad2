// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rollout/cmd/rollout/cli"
)

func historyCommand() *cli.Command {
	var global globalFlags
	return &cli.Command{
		Name:    "history",
		Summary: "List the runs of a formula on a host",
		Usage:   "rollout history [flags] <host-id> <formula>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("history", pflag.ContinueOnError)
			global.add(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: rollout history [flags] <host-id> <formula>")
			}
			env, err := newEnvironment(global, "history")
			if err != nil {
				return err
			}
			defer env.close()

			// Runs are keyed by formula uuid, or by name for formulas
			// without one.
			key := args[1]
			if source, err := env.formula(ctx, args[1]); err == nil {
				key = source.UUID
				if key == "" {
					key = source.Name
				}
			}
			opened, err := env.openStore()
			if err != nil {
				return err
			}
			records, err := opened.Runs().History(ctx, args[0], key)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintf(os.Stdout, "no runs of %s on %s\n", args[1], args[0])
				return nil
			}
			printHistory(os.Stdout, records)
			return nil
		},
	}
}
