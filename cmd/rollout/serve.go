// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/rollout/cmd/rollout/cli"
	"github.com/bureau-foundation/rollout/lib/api"
	"github.com/bureau-foundation/rollout/lib/metrics"
	"github.com/bureau-foundation/rollout/lib/version"
)

func serveCommand() *cli.Command {
	var (
		global  globalFlags
		listen  string
		maxWait = api.DefaultMaxWait
	)
	return &cli.Command{
		Name:    "serve",
		Summary: "Serve the agent API",
		Description: `Serve the HTTP API agents use for the verify and confirm handshake and
for event set and wait. Prometheus metrics are served on /metrics, or on
metrics.listen when that names a different address.`,
		Usage: "rollout serve [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			global.add(flagSet)
			flagSet.StringVar(&listen, "listen", "", "listen address (default: control.listen)")
			flagSet.DurationVar(&maxWait, "max-wait", api.DefaultMaxWait, "longest time one event wait request is held open")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) != 0 {
				return fmt.Errorf("serve takes no arguments")
			}
			env, err := newEnvironment(global, "serve")
			if err != nil {
				return err
			}
			defer env.close()

			env.logger.Info("starting rollout serve", version.LogAttrs()...)
			if listen == "" {
				listen = env.config.Control.Listen
			}
			distributor, err := env.openDistributor()
			if err != nil {
				return err
			}
			events, err := env.openBarrier()
			if err != nil {
				return err
			}

			separateMetrics := env.config.Metrics.Listen != "" && env.config.Metrics.Listen != listen
			handlerConfig := api.HandlerConfig{
				Packages: distributor,
				Events:   events,
				MaxWait:  maxWait,
				Logger:   env.logger,
			}
			if !separateMetrics {
				handlerConfig.Metrics = env.metrics
			}
			servers := []*api.Server{api.NewServer(api.ServerConfig{
				Address: listen,
				Handler: api.NewHandler(handlerConfig),
				Logger:  env.logger,
			})}
			if separateMetrics {
				servers = append(servers, api.NewServer(api.ServerConfig{
					Address: env.config.Metrics.Listen,
					Handler: metricsMux(env.metrics),
					Logger:  env.logger.With("listener", "metrics"),
				}))
			}
			return serveAll(ctx, servers)
		},
	}
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	return mux
}

// serveAll runs every server until ctx is cancelled or one of them
// fails, then stops the rest.
func serveAll(ctx context.Context, servers []*api.Server) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(servers))
	for _, server := range servers {
		go func() {
			err := server.Serve(ctx)
			if err != nil {
				cancel()
			}
			errs <- err
		}()
	}
	var failures []error
	for range servers {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}
