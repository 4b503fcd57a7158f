// Copyright 2024 The pg-shared-plans Authors.
//
// Use of this software is governed by the Business Source License
// included in the file licenses/BSL.txt.
//
// As of the Change Date specified in that file, in accordance with
// the Business Source License, use of this software will be governed
// by the Apache License, Version 2.0, included in the file
// licenses/APL.txt.

// Command planshare hosts the plan cache as a standalone process for
// configuration validation and local smoke-testing: it wires the same
// Options, logger and metrics registry a real host embeds, but plans
// against a trivial in-process Planner rather than a live SQL engine,
// since the host's own planner is an external collaborator this module
// never implements.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/HalleyAssist/pg-shared-plans/internal/logutil"
	"github.com/HalleyAssist/pg-shared-plans/pkg/cli"
	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan"
	"github.com/HalleyAssist/pg-shared-plans/pkg/sharedplan/shmem"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "planshare",
		Short: "Inspect and validate a shared-plan cache configuration",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a config file (optional)")

	root.AddCommand(newValidateCmd())
	root.AddCommand(newInfoCmd())
	root.AddCommand(newServeCmd())
	return root
}

func buildCache(zlog *zap.Logger) (*sharedplan.Cache, *sharedplan.Metrics, error) {
	opts, err := sharedplan.LoadOptions(configFile)
	if err != nil {
		return nil, nil, err
	}
	metrics := sharedplan.NewMetrics()
	log := logutil.New(zlog, 1)
	c := sharedplan.New(opts, demoPlanner{}, nil, shmem.NewHeapAllocator(64<<20), log, metrics)
	return c, metrics, nil
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate configuration without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := sharedplan.LoadOptions(configFile)
			if err != nil {
				return err
			}
			fmt.Printf("configuration OK: max_entries=%d threshold=%d/%d rdepend_max=%d\n",
				opts.MaxEntries, opts.Threshold, opts.HostThreshold, opts.RDependMax)
			return nil
		},
	}
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print the aggregate state of a freshly constructed cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			zlog, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer zlog.Sync() //nolint:errcheck

			c, _, err := buildCache(zlog)
			if err != nil {
				return err
			}
			info := c.Info()
			fmt.Printf("enabled=%v entries=%d/%d alloced=%s deallocs=%d rdepend_num=%d\n",
				info.Enabled, info.Entries, info.MaxEntries,
				humanize.Bytes(uint64(info.AllocedSize)), info.Deallocs, info.RDependNum)
			return nil
		},
	}
}

func newServeCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a demo cache in the foreground until a drain signal arrives",
		RunE: func(cmd *cobra.Command, args []string) error {
			zlog, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer zlog.Sync() //nolint:errcheck
			log := logutil.New(zlog, 1)

			c, metrics, err := buildCache(zlog)
			if err != nil {
				return err
			}
			reg := prometheus.NewRegistry()
			if err := metrics.Register(reg); err != nil {
				return err
			}

			ctx := context.Background()
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			srv := &http.Server{Addr: metricsAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Warningf(ctx, "metrics server: %v", err)
				}
			}()
			defer srv.Close() //nolint:errcheck
			log.Infof(ctx, "planshare demo cache running, metrics on %s", metricsAddr)
			cli.WaitForDrainSignal(ctx, log)
			log.Infof(ctx, "final state: %+v", c.Info())
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve Prometheus metrics on")
	return cmd
}

// demoPlanner stands in for a real host planner in the CLI's smoke-test
// commands: every generic plan costs 1, every custom plan costs 2, so the
// cache's own cost-comparison logic always prefers the cached plan once
// enough samples accumulate.
type demoPlanner struct{}

func (demoPlanner) Plan(ctx context.Context, query sharedplan.AnalyzedQuery, params sharedplan.ParamValues) (sharedplan.Plan, sharedplan.PlanMetadata, error) {
	if params == nil {
		return sharedplan.Plan{Serialized: []byte("demo-generic"), TotalCost: 1},
			sharedplan.PlanMetadata{NumRTable: 1}, nil
	}
	return sharedplan.Plan{Serialized: []byte("demo-custom"), TotalCost: 2}, sharedplan.PlanMetadata{}, nil
}
