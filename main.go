// Copyright 2022 Sogang University
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package main implements the leveler command. The pi subcommand runs the
// Monte-Carlo pi estimator on the engine; in the distributed tier process 0
// additionally hosts the coordinator over gRPC or NATS.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/9rum/leveler/communicator"
	"github.com/9rum/leveler/internal/config"
	"github.com/golang/glog"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var rootCmd = &cobra.Command{
	Use:   "leveler",
	Short: "Adaptive work distribution for embarrassingly parallel jobs",
	Long: `Leveler partitions a fixed number of work units among workers and
cooperating processes, rebalances them from the observed throughput and
decides when every worker may stop.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// glog reads its flags from the standard flag set
		return flag.CommandLine.Parse(nil)
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file")
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	rootCmd.AddCommand(newPiCommand())
}

func main() {
	defer glog.Flush()

	if err := rootCmd.Execute(); err != nil {
		glog.Errorf("leveler: %v", err)
		glog.Flush()
		os.Exit(1)
	}
}

// loadConfig reads the configuration file given by --config, the LEVELER_*
// environment and the flags of the given command.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	v, err := config.New(file)
	if err != nil {
		return nil, err
	}
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return nil, err
	}
	return config.Load(v)
}

// serve hosts the given coordinator on the transport of the configuration
// until the context is done.
func serve(ctx context.Context, g *errgroup.Group, cfg *config.Config, coordinator *communicator.Coordinator) error {
	switch cfg.Transport {
	case config.TransportNATS:
		return serveNATS(ctx, g, cfg.NATSURL, cfg.NATSSubject, coordinator)
	default:
		return serveGRPC(ctx, g, cfg.CoordinatorAddr, coordinator)
	}
}

func serveGRPC(ctx context.Context, g *errgroup.Group, addr string, coordinator *communicator.Coordinator) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	server := communicator.NewServer(coordinator)
	glog.Infof("coordinator listening at %v", lis.Addr())

	g.Go(func() error {
		return server.Serve(lis)
	})
	g.Go(func() error {
		<-ctx.Done()
		server.GracefulStop()
		return nil
	})

	return nil
}

func serveNATS(ctx context.Context, g *errgroup.Group, url, subject string, coordinator *communicator.Coordinator) error {
	nc, err := nats.Connect(url, nats.Name("leveler-coordinator"))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", url, err)
	}
	if _, err := communicator.ServeNATS(nc, subject, coordinator); err != nil {
		nc.Close()
		return err
	}
	glog.Infof("coordinator serving %s.* at %s", subject, url)

	g.Go(func() error {
		<-ctx.Done()
		return nc.Drain()
	})

	return nil
}

// serveMetrics exposes the given registry at /metrics until the context is done.
func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	server := &http.Server{Addr: addr, Handler: mux}

	g.Go(func() error {
		glog.Infof("metrics listening at %s", addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return server.Shutdown(context.Background())
	})
}
