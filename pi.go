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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/9rum/leveler/communicator"
	"github.com/9rum/leveler/internal/checkpoint"
	"github.com/9rum/leveler/internal/config"
	"github.com/9rum/leveler/internal/metrics"
	"github.com/9rum/leveler/internal/montecarlo"
	"github.com/9rum/leveler/task"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	localReport   = "localSpeeds.rep"
	processReport = "processSpeeds.rep"

	// verbosity gates the per-worker protocol logs.
	verbosity glog.Level = 3
)

func newPiCommand() *cobra.Command {
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:   "pi",
		Short: "Estimate pi by Monte-Carlo sampling",
		Args:  cobra.NoArgs,
		RunE:  runPi,
	}

	flags := cmd.Flags()
	flags.IntP("workers", "w", defaults.Workers, "number of local workers")
	flags.Uint64P("target", "n", defaults.Target, "total number of points to sample")
	flags.Duration("check-interval", defaults.CheckInterval, "checkpoint interval and report delay bound")
	flags.Duration("min-time", defaults.MinTime, "minimum time between allocation decisions (default half the check interval)")
	flags.String("scheduler", defaults.Scheduler, "rebalancing policy: static or dynamic")
	flags.String("log-prefix", defaults.LogPrefix, "checkpoint file prefix")
	flags.Duration("min-report-interval", defaults.MinReportInterval, "minimum delay between two reports of a worker")
	flags.Float64("reports-per-remaining-work", defaults.ReportsPerRemainingWork, "reports per estimated remaining time")
	flags.Uint64("provisional-units", defaults.ProvisionalUnits, "units a worker keeps sampling while its termination is undecided")
	flags.Duration("finish-pause", defaults.FinishPause, "pause before the terminal report of a worker")
	flags.Bool("resume", defaults.Resume, "resume from the latest checkpoint")
	flags.Uint64("chunk-size", defaults.ChunkSize, "points sampled between two progress checks")
	flags.String("report-dir", defaults.ReportDir, "directory the speed reports are written to")
	flags.String("metrics-addr", defaults.MetricsAddr, "address to expose prometheus metrics at")

	flags.Int("processes", defaults.Processes, "number of cooperating processes")
	flags.Int("process-id", defaults.ProcessID, "id of this process; process 0 hosts the coordinator")
	flags.String("transport", defaults.Transport, "transport to the coordinator: grpc or nats")
	flags.String("coordinator-addr", defaults.CoordinatorAddr, "gRPC address of the coordinator")
	flags.String("nats-url", defaults.NATSURL, "NATS server url")
	flags.String("nats-subject", defaults.NATSSubject, "NATS subject prefix of the coordinator")

	return cmd
}

func runPi(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// shutdown stops the servers once the job is over
	shutdown, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(shutdown)

	collector := metrics.Collector(metrics.NewNop())
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		collector = metrics.NewPrometheus(reg, "leveler")
		serveMetrics(gctx, g, cfg.MetricsAddr, reg)
	}

	var coordinator *communicator.Coordinator
	options := []task.Option{task.WithMetrics(collector)}
	if cfg.Distributed() {
		var transport communicator.Transport
		if cfg.ProcessID == 0 {
			if coordinator, err = newCoordinator(cfg, collector); err != nil {
				return err
			}
			if err := serve(gctx, g, cfg, coordinator); err != nil {
				return err
			}
			transport = communicator.NewLocal(coordinator)
		} else if transport, err = dial(ctx, cfg); err != nil {
			return err
		}
		options = append(options, task.WithTransport(transport))
	}

	g.Go(func() error {
		defer cancel()

		err := run(gctx, cmd.OutOrStdout(), cfg, coordinator, options)
		if err != nil {
			return err
		}
		if coordinator != nil {
			glog.Infof("waiting for every process to finish")
			select {
			case <-coordinator.Done():
			case <-ctx.Done():
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// run runs the job of the local process and writes its reports.
func run(ctx context.Context, out io.Writer, cfg *config.Config, coordinator *communicator.Coordinator, options []task.Option) error {
	tsk, err := task.Init(ctx, cfg.TaskOptions(), options...)
	if err != nil {
		return err
	}

	results, err := montecarlo.New(tsk,
		montecarlo.WithChunkSize(cfg.ChunkSize),
		montecarlo.WithVerbosity(verbosity)).Run(ctx)
	if cerr := tsk.Close(context.WithoutCancel(ctx)); cerr != nil {
		glog.Warningf("failed to close the task: %v", cerr)
	}
	if err != nil {
		return err
	}

	pi, sampled, inside := montecarlo.Estimate(results)
	fmt.Fprintln(out, "worker\tsampled\tinside")
	for _, result := range results {
		fmt.Fprintf(out, "%d\t%d\t%d\n", result.Worker, result.Sampled, result.Inside)
	}
	fmt.Fprintf(out, "total sampled points: %d\n", sampled)
	fmt.Fprintf(out, "total inner points:   %d\n", inside)
	fmt.Fprintf(out, "pi estimation: %.10f\n", pi)

	fs := afero.NewBasePathFs(afero.NewOsFs(), cfg.ReportDir)
	if err := writeReport(fs, localReport, tsk.EmitLocalReport); err != nil {
		return err
	}
	if cfg.Distributed() {
		return writeReport(fs, processReport, tsk.EmitAggregateReport)
	}
	return nil
}

func writeReport(fs afero.Fs, name string, emit func(io.Writer) error) (err error) {
	f, err := fs.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return emit(f)
}

// newCoordinator creates the coordinator hosted by process 0, restored from
// the latest checkpoint of the process when resuming.
func newCoordinator(cfg *config.Config, collector metrics.Collector) (*communicator.Coordinator, error) {
	coordinator, err := communicator.NewCoordinator(cfg.Processes, cfg.Target, collector)
	if err != nil {
		return nil, err
	}
	if !cfg.Resume {
		return coordinator, nil
	}

	opts := cfg.TaskOptions()
	cp, err := checkpoint.New(opts.LogPrefix, opts.CheckInterval).Load()
	if errors.Is(err, checkpoint.ErrNotFound) {
		return coordinator, nil
	} else if err != nil {
		return nil, err
	}
	if err := coordinator.Restore(cp.Processes); err != nil {
		return nil, err
	}
	return coordinator, nil
}

// dial connects to the coordinator hosted by process 0.
func dial(ctx context.Context, cfg *config.Config) (communicator.Transport, error) {
	switch cfg.Transport {
	case config.TransportNATS:
		return communicator.ConnectNATS(cfg.NATSURL, cfg.NATSSubject)
	default:
		return communicator.DialGRPC(ctx, cfg.CoordinatorAddr)
	}
}
