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
	"github.com/bureau-foundation/rollout/lib/deploy"
	"github.com/bureau-foundation/rollout/lib/formula"
	"github.com/bureau-foundation/rollout/lib/host"
)

// runFlags are shared by deploy and group.
type runFlags struct {
	global     globalFlags
	params     []string
	paramsFile string
	runType    string
	subject    string
	force      bool
}

func (r *runFlags) add(flagSet *pflag.FlagSet) {
	r.global.add(flagSet)
	flagSet.StringArrayVarP(&r.params, "param", "p", nil, "formula parameter key=value (repeatable; dotted keys nest)")
	flagSet.StringVar(&r.paramsFile, "params", "", "YAML or JSON file of formula parameters")
	flagSet.StringVar(&r.runType, "run-type", "install", "install, update, or uninstall")
	flagSet.StringVar(&r.subject, "subject", os.Getenv("USER"), "operator identity checked by the authorization provider")
	flagSet.BoolVar(&r.force, "force", false, "apply even if the run history says the formula is already applied")
}

func (r *runFlags) parameters() (map[string]any, error) {
	base := map[string]any{}
	if r.paramsFile != "" {
		loaded, err := cli.LoadParameters(r.paramsFile)
		if err != nil {
			return nil, err
		}
		base = loaded
	}
	overlay, err := cli.ParseAssignments(r.params)
	if err != nil {
		return nil, err
	}
	return cli.MergeParameters(base, overlay), nil
}

// explicitHost describes the target of unmanaged and bootstrap runs.
type explicitHost struct {
	address  string
	port     int
	user     string
	keyPath  string
	askPass  bool
	hostType string
	platform string
}

func (h *explicitHost) add(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&h.address, "address", "", "host address (unmanaged and bootstrap)")
	flagSet.IntVar(&h.port, "port", 22, "SSH port")
	flagSet.StringVar(&h.user, "user", "root", "SSH user")
	flagSet.StringVar(&h.keyPath, "key", "", "SSH private key file")
	flagSet.BoolVar(&h.askPass, "ask-pass", false, "prompt for the SSH password")
	flagSet.StringVar(&h.hostType, "host-type", "linux", "linux or windows")
	flagSet.StringVar(&h.platform, "platform", "", "support-matrix platform distro/version/arch, e.g. ubuntu/22.04/x86_64")
}

func (h *explicitHost) build() (*host.Host, error) {
	if h.address == "" {
		return nil, errors.New("--address is required for unmanaged and bootstrap deployments")
	}
	hostType, err := host.ParseType(h.hostType)
	if err != nil {
		return nil, err
	}
	if h.platform == "" {
		return nil, errors.New("--platform is required for unmanaged and bootstrap deployments")
	}
	platform, err := host.ParsePlatform(h.platform)
	if err != nil {
		return nil, err
	}
	target := &host.Host{
		ID:   h.address,
		Type: hostType,
		Connection: host.Connection{
			Address: h.address,
			Port:    h.port,
			User:    h.user,
			KeyPath: h.keyPath,
		},
		Facts: host.Facts{Distro: platform.Distro, Version: platform.Version, Arch: platform.Arch},
	}
	if h.askPass {
		password, err := cli.ReadPassword(fmt.Sprintf("%s@%s password: ", h.user, h.address))
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		target.Connection.Password = password
	}
	return target, nil
}

func deployCommand() *cli.Command {
	var (
		run      runFlags
		target   explicitHost
		modeName string
	)
	return &cli.Command{
		Name:    "deploy",
		Summary: "Apply a formula to one host",
		Description: `Compile a formula for one host, ship it over SSH, and run it.

Managed hosts come from the inventory and run the package through the
local agent, which fetches the key with the verify handshake. Unmanaged
and bootstrap runs take the host from flags; bootstrap defaults the
formula to control.bootstrap_formula.`,
		Usage: "rollout deploy [flags] <formula> [host-id]",
		Examples: []cli.Example{
			{Description: "Apply a service formula to an inventory host", Command: "rollout deploy nginx web-1 -p listen=8080"},
			{Description: "Apply to a host outside the inventory", Command: "rollout deploy --mode unmanaged --address 10.0.0.7 --platform ubuntu/22.04/x86_64 --ask-pass motd"},
			{Description: "Install the agent", Command: "rollout deploy --mode bootstrap --address 10.0.0.7 --platform ubuntu/22.04/x86_64"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("deploy", pflag.ContinueOnError)
			run.add(flagSet)
			target.add(flagSet)
			flagSet.StringVar(&modeName, "mode", "managed", "managed, unmanaged, or bootstrap")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			mode, err := deploy.ParseMode(modeName)
			if err != nil {
				return err
			}
			env, err := newEnvironment(run.global, "deploy")
			if err != nil {
				return err
			}
			defer env.close()

			var reference, hostID string
			switch {
			case len(args) == 0 && mode == deploy.Bootstrap:
				reference = env.config.Control.BootstrapFormula
			case len(args) == 1:
				reference = args[0]
			case len(args) == 2 && mode == deploy.Managed:
				reference, hostID = args[0], args[1]
			default:
				return fmt.Errorf("usage: rollout deploy [flags] <formula> [host-id]")
			}

			request, err := newDeployRequest(ctx, env, run, mode, reference)
			if err != nil {
				return err
			}
			if mode == deploy.Managed {
				if hostID == "" {
					return errors.New("managed deployments need a host id from the inventory")
				}
				request.HostID = hostID
			} else {
				request.Host, err = target.build()
				if err != nil {
					return err
				}
			}

			coordinator, _, err := env.openDeployment()
			if err != nil {
				return err
			}
			result, err := coordinator.Deploy(ctx, request)
			if err != nil {
				failed := hostID
				if failed == "" {
					failed = request.Host.ID
				}
				printDeployFailure(os.Stdout, failed, err)
				return &cli.ExitError{Code: 1}
			}
			printDeployment(os.Stdout, result)
			return nil
		},
	}
}

func newDeployRequest(ctx context.Context, env *environment, run runFlags, mode deploy.Mode, reference string) (deploy.Request, error) {
	source, err := env.formula(ctx, reference)
	if err != nil {
		return deploy.Request{}, err
	}
	runType, err := formula.ParseRunType(run.runType)
	if err != nil {
		return deploy.Request{}, err
	}
	params, err := run.parameters()
	if err != nil {
		return deploy.Request{}, err
	}
	return deploy.Request{
		Formula:    source,
		Mode:       mode,
		RunType:    runType,
		Parameters: params,
		Subject:    run.subject,
		Force:      run.force,
	}, nil
}
