// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rollout/cmd/rollout/cli"
	"github.com/bureau-foundation/rollout/lib/formula"
	"github.com/bureau-foundation/rollout/lib/orchestrator"
)

func groupCommand() *cli.Command {
	var (
		run  runFlags
		name string
	)
	return &cli.Command{
		Name:    "group",
		Summary: "Apply a group formula across its targets",
		Description: `Resolve the targets of a group formula and deploy every member.

Every target is validated before anything is deployed. Targets on the
same host run in order; different hosts run in parallel. With --name,
a fully successful run is recorded as a host group that later formulas
can reference.`,
		Usage: "rollout group [flags] <formula>",
		Examples: []cli.Example{
			{Description: "Roll out a web tier and record it", Command: "rollout group web-tier --name web-prod -p port=8080"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("group", pflag.ContinueOnError)
			run.add(flagSet)
			flagSet.StringVar(&name, "name", "", "record the hosts as a named host group on success")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("usage: rollout group [flags] <formula>")
			}
			env, err := newEnvironment(run.global, "group")
			if err != nil {
				return err
			}
			defer env.close()

			source, err := env.formula(ctx, args[0])
			if err != nil {
				return err
			}
			if source.Type != formula.Group {
				return fmt.Errorf("formula %q is a %s formula; use rollout deploy", source.Name, source.Type)
			}
			runType, err := formula.ParseRunType(run.runType)
			if err != nil {
				return err
			}
			params, err := run.parameters()
			if err != nil {
				return err
			}

			_, groupRunner, err := env.openDeployment()
			if err != nil {
				return err
			}
			result, err := groupRunner.Run(ctx, orchestrator.Request{
				Formula:    source,
				Name:       name,
				Parameters: params,
				RunType:    runType,
				Subject:    run.subject,
				Force:      run.force,
			})
			if err != nil {
				var groupErr *orchestrator.GroupError
				if errors.As(err, &groupErr) {
					printGroupFailure(os.Stdout, source.Name, groupErr)
					return &cli.ExitError{Code: 1}
				}
				return err
			}
			printGroup(os.Stdout, source.Name, result)
			return nil
		},
	}
}
