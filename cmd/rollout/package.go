// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rollout/cmd/rollout/cli"
	"github.com/bureau-foundation/rollout/lib/api"
	"github.com/bureau-foundation/rollout/lib/registry"
)

// The package commands operate on the local registry. They exist for
// operators inspecting or repairing a handshake; agents use the HTTP
// API served by "rollout serve".
func packageCommand() *cli.Command {
	return &cli.Command{
		Name:    "package",
		Summary: "Inspect and drive the package key handshake",
		Subcommands: []*cli.Command{
			packageStatusCommand(),
			packageRegisterCommand(),
			packageVerifyCommand(),
			packageConfirmCommand(),
		},
	}
}

// withDistributor runs fn against the registry opened from the global
// flags.
func withDistributor(global globalFlags, command string, fn func(*registry.Distributor) error) error {
	env, err := newEnvironment(global, command)
	if err != nil {
		return err
	}
	defer env.close()
	distributor, err := env.openDistributor()
	if err != nil {
		return err
	}
	return fn(distributor)
}

func packageStatusCommand() *cli.Command {
	var global globalFlags
	return &cli.Command{
		Name:    "status",
		Summary: "Show where a package is in the handshake",
		Usage:   "rollout package status [flags] <host-id> <package-uuid>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
			global.add(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: rollout package status [flags] <host-id> <package-uuid>")
			}
			return withDistributor(global, "package status", func(distributor *registry.Distributor) error {
				entry, err := distributor.Status(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				printPackageStatus(os.Stdout, api.StatusFromEntry(entry))
				return nil
			})
		},
	}
}

func packageRegisterCommand() *cli.Command {
	var (
		global      globalFlags
		packageUUID string
	)
	return &cli.Command{
		Name:    "register",
		Summary: "Encrypt an archive and register it for a host",
		Description: `Encrypt a package archive under a fresh key and record it for a host.
The encrypted artifact is written next to the archive with an .enc
suffix. The deploy command does this for every managed run.`,
		Usage: "rollout package register [flags] <formula-id> <host-id> <archive>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("register", pflag.ContinueOnError)
			global.add(flagSet)
			flagSet.StringVar(&packageUUID, "uuid", "", "package uuid (default: generated)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 3 {
				return fmt.Errorf("usage: rollout package register [flags] <formula-id> <host-id> <archive>")
			}
			if packageUUID == "" {
				packageUUID = uuid.NewString()
			} else if _, err := uuid.Parse(packageUUID); err != nil {
				return fmt.Errorf("invalid --uuid: %w", err)
			}
			return withDistributor(global, "package register", func(distributor *registry.Distributor) error {
				registration, err := distributor.Register(ctx, args[0], packageUUID, args[1], args[2])
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "%s %s for %s\n", okStyle.Render("registered"), packageUUID, args[1])
				printField(os.Stdout, "artifact", registration.EncryptedPath)
				printField(os.Stdout, "checksum", registration.Checksum)
				return nil
			})
		},
	}
}

func packageVerifyCommand() *cli.Command {
	var (
		global   globalFlags
		checksum string
		keyOut   string
	)
	return &cli.Command{
		Name:    "verify",
		Summary: "Check an artifact checksum and release its key",
		Description: `Compare a checksum against the registered one and, on a match, mark
the package verified. The key is written to --key-out when given and is
never printed.`,
		Usage: "rollout package verify [flags] <host-id> <package-uuid>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("verify", pflag.ContinueOnError)
			global.add(flagSet)
			flagSet.StringVar(&checksum, "checksum", "", "checksum of the encrypted artifact (required)")
			flagSet.StringVar(&keyOut, "key-out", "", "file to write the released key to (mode 0600)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: rollout package verify [flags] <host-id> <package-uuid>")
			}
			if checksum == "" {
				return fmt.Errorf("--checksum is required")
			}
			return withDistributor(global, "package verify", func(distributor *registry.Distributor) error {
				key, err := distributor.Verify(ctx, args[0], args[1], checksum)
				if err != nil {
					return err
				}
				if keyOut != "" {
					if err := os.WriteFile(keyOut, key, 0o600); err != nil {
						return fmt.Errorf("writing key: %w", err)
					}
				}
				fmt.Fprintf(os.Stdout, "%s %s on %s\n", okStyle.Render("verified"), args[1], args[0])
				return nil
			})
		},
	}
}

func packageConfirmCommand() *cli.Command {
	var global globalFlags
	return &cli.Command{
		Name:    "confirm",
		Summary: "Record that a verified package was decrypted",
		Usage:   "rollout package confirm [flags] <host-id> <package-uuid>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("confirm", pflag.ContinueOnError)
			global.add(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 2 {
				return fmt.Errorf("usage: rollout package confirm [flags] <host-id> <package-uuid>")
			}
			return withDistributor(global, "package confirm", func(distributor *registry.Distributor) error {
				if err := distributor.ConfirmDecrypt(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "%s %s on %s\n", okStyle.Render("decrypted"), args[1], args[0])
				return nil
			})
		},
	}
}
