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

// Package task is the entry point of the engine. A Task partitions a fixed
// number of work units among the local workers, rebalances them from the
// reported progress, checkpoints the ledger and negotiates with every worker
// when it may stop. In the distributed tier it reconciles with the other
// processes through a communicator.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/9rum/leveler/communicator"
	"github.com/9rum/leveler/internal/checkpoint"
	"github.com/9rum/leveler/internal/finish"
	"github.com/9rum/leveler/internal/ledger"
	"github.com/9rum/leveler/internal/metrics"
	"github.com/9rum/leveler/scheduler"
	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const (
	defaultLogPrefix        = "LB-log"
	defaultProvisionalUnits = 300
	defaultFinishPause      = 2 * time.Second
)

// Options are the parameters of a task.
type Options struct {
	Workers   int
	Processes int
	ProcessID int
	Target    uint64

	// CheckInterval is the cadence of checkpoints and the bound of report delays.
	CheckInterval time.Duration

	// MinTime is the minimum time before and between allocation decisions.
	MinTime time.Duration

	// LogPrefix names the checkpoint files.
	LogPrefix string

	Scheduler               scheduler.Kind
	MinReportInterval       time.Duration
	ReportsPerRemainingWork float64

	// ProvisionalUnits pad a worker that has to keep running while a decision
	// is pending.
	ProvisionalUnits uint64

	// FinishPause is the pause before the terminal report of a worker.
	FinishPause time.Duration

	// Resume restores the ledger from the latest checkpoint, if any.
	Resume bool
}

func (o *Options) validate() error {
	switch {
	case o.Workers <= 0:
		return fmt.Errorf("%w: worker count must be positive, got %d", ErrConfig, o.Workers)
	case o.Target == 0:
		return fmt.Errorf("%w: target must be positive", ErrConfig)
	case o.CheckInterval <= 0:
		return fmt.Errorf("%w: check interval must be positive, got %s", ErrConfig, o.CheckInterval)
	case o.MinTime < 0:
		return fmt.Errorf("%w: minimum time must not be negative, got %s", ErrConfig, o.MinTime)
	}
	if o.Processes == 0 {
		o.Processes = 1
	}
	if o.LogPrefix == "" {
		o.LogPrefix = defaultLogPrefix
	}
	if o.ProvisionalUnits == 0 {
		o.ProvisionalUnits = defaultProvisionalUnits
	}
	if o.FinishPause <= 0 {
		o.FinishPause = defaultFinishPause
	}
	return nil
}

// Option configures the collaborators of a task.
type Option func(*config)

type config struct {
	clock     clockwork.Clock
	fs        afero.Fs
	metrics   metrics.Collector
	transport communicator.Transport
	commOpts  []communicator.Option
}

// WithClock sets the clock of the task.
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithFs sets the filesystem checkpoints are written to.
func WithFs(fs afero.Fs) Option {
	return func(c *config) {
		c.fs = fs
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(c *config) {
		c.metrics = collector
	}
}

// WithTransport sets the transport to the coordinator. It is required when
// more than one process cooperates.
func WithTransport(transport communicator.Transport, opts ...communicator.Option) Option {
	return func(c *config) {
		c.transport = transport
		c.commOpts = opts
	}
}

// Task is a running job shared by reference among its local workers.
type Task struct {
	opts        Options
	clock       clockwork.Clock
	ledger      *ledger.Ledger
	checkpoints *checkpoint.Manager
	comm        *communicator.Communicator
	machine     *finish.Machine
	completed   sync.Once
}

// Init creates a new task. In the distributed tier the communicator starts
// right away and runs until Close.
func Init(ctx context.Context, opts Options, options ...Option) (*Task, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	cfg := config{
		clock:   clockwork.NewRealClock(),
		fs:      afero.NewOsFs(),
		metrics: metrics.NewNop(),
	}
	for _, option := range options {
		option(&cfg)
	}
	if 1 < opts.Processes && cfg.transport == nil {
		return nil, fmt.Errorf("%w: %d processes need a transport to the coordinator", ErrConfig, opts.Processes)
	}

	l, err := ledger.New(opts.Workers, opts.Processes, opts.ProcessID, opts.Target,
		ledger.WithClock(cfg.clock),
		ledger.WithRebalancer(scheduler.New(opts.Scheduler)),
		ledger.WithCadence(scheduler.NewReportScheduler(opts.CheckInterval, opts.MinTime, opts.MinReportInterval, opts.ReportsPerRemainingWork)),
		ledger.WithMinTime(opts.MinTime),
		ledger.WithMetrics(cfg.metrics))
	if err != nil {
		return nil, err
	}

	t := &Task{
		opts:   opts,
		clock:  cfg.clock,
		ledger: l,
		checkpoints: checkpoint.New(opts.LogPrefix, opts.CheckInterval,
			checkpoint.WithFs(cfg.fs),
			checkpoint.WithClock(cfg.clock),
			checkpoint.WithMetrics(cfg.metrics)),
		machine: finish.New(opts.Workers),
	}

	if opts.Resume {
		if err := t.resume(); err != nil {
			return nil, err
		}
	}

	if cfg.transport != nil {
		commOpts := append([]communicator.Option{
			communicator.WithClock(cfg.clock),
			communicator.WithInterval(opts.CheckInterval),
			communicator.WithMetrics(cfg.metrics),
		}, cfg.commOpts...)
		t.comm = communicator.New(l, cfg.transport, commOpts...)
		t.comm.Start(ctx)
	}

	glog.Infof("process %d: %d units among %d workers (%d processes), checkpoint every %s, %s scheduling",
		opts.ProcessID, l.Target(), opts.Workers, opts.Processes, t.checkpoints.Interval(), opts.Scheduler)

	return t, nil
}

// resume restores the local ledger from the latest checkpoint.
func (t *Task) resume() error {
	cp, err := t.checkpoints.Load()
	if errors.Is(err, checkpoint.ErrNotFound) {
		glog.Infof("no checkpoint at %s, starting from scratch", t.checkpoints.Path())
		return nil
	} else if err != nil {
		return err
	}

	if target := t.ledger.Target(); cp.Target != target {
		return fmt.Errorf("%w: checkpoint target %d, want %d", ErrConfig, cp.Target, target)
	}
	local, ok := cp.Process(t.opts.ProcessID)
	if !ok {
		return fmt.Errorf("%w: checkpoint has no process %d", ErrConfig, t.opts.ProcessID)
	}
	if err := t.ledger.Restore(local); err != nil {
		return err
	}
	t.ledger.SetShadows(cp.Processes)

	assigned, done := t.ledger.Totals()
	glog.Infof("resumed from checkpoint of %s: %d of %d assigned units done (completed: %t)",
		cp.Timestamp.Format(time.RFC3339), done, assigned, cp.Completed)

	return nil
}

// Ledger returns the ledger of the task.
func (t *Task) Ledger() *ledger.Ledger {
	return t.ledger
}

// Options returns the validated options of the task.
func (t *Task) Options() Options {
	return t.opts
}

// WorkerStart registers the given worker as active and returns the delay
// until its first report.
func (t *Task) WorkerStart(id int, v glog.Level) (time.Duration, error) {
	delay, err := t.ledger.Start(id)
	if err != nil {
		return 0, err
	}
	glog.V(v).Infof("worker %d started with %d units, first report in %s", id, t.ledger.Assigned(id), delay)
	return delay, nil
}

// Assigned returns the current allocation of the given worker.
func (t *Task) Assigned(id int) uint64 {
	return t.ledger.Assigned(id)
}

// Report accepts the cumulative progress of the given worker and returns the
// delay until its next mandatory report. A stale report is rejected with
// ErrStaleReport and leaves the task unchanged.
func (t *Task) Report(id int, done uint64, v glog.Level) (time.Duration, error) {
	delay, err := t.ledger.RecordReport(id, done)
	if err != nil {
		glog.Warningf("worker %d: report of %d units rejected: %v", id, done, err)
		return 0, err
	}
	assigned := t.ledger.Assigned(id)
	t.machine.Progress(id, done, assigned)

	if t.comm != nil && 0 < t.ledger.Summary().Demand {
		t.comm.Notify()
	}
	glog.V(v).Infof("worker %d: %d of %d units done, next report in %s", id, done, assigned, delay)

	return delay, nil
}

// CheckpointDue reports whether the checkpoint interval has elapsed.
func (t *Task) CheckpointDue() bool {
	return t.checkpoints.Due()
}

// Checkpoint writes a checkpoint of the ledger. In the distributed tier a
// reconciliation round runs first so that the shadow copies are fresh. Errors
// are logged and returned, never fatal.
func (t *Task) Checkpoint(ctx context.Context, v glog.Level) error {
	if t.comm != nil {
		if err := t.comm.Sync(ctx); err != nil {
			glog.Warningf("checkpoint without reconciliation: %v", err)
		}
	}
	return t.checkpoint(ctx, v, false)
}

func (t *Task) checkpoint(ctx context.Context, v glog.Level, completed bool) error {
	cp := checkpoint.FromSnapshot(t.ledger.Snapshot(), t.clock.Now(), completed)
	if err := t.checkpoints.Write(ctx, cp); err != nil {
		glog.Errorf("failed to write checkpoint: %v", err)
		return err
	}
	glog.V(v).Infof("checkpoint written to %s", t.checkpoints.Path())
	return nil
}

// WorkerFinish decides whether the given worker may stop. When it may not,
// the reason tells the worker what to do: pick up its new allocation, write a
// checkpoint, or keep sampling the provisional units it was padded with.
func (t *Task) WorkerFinish(ctx context.Context, id int, v glog.Level) (bool, finish.Reason) {
	t.ledger.Rebalance(id)
	rec, err := t.ledger.Record(id)
	if err != nil {
		glog.Errorf("worker %d cannot finish: %v", id, err)
		return false, finish.ReasonUnknown
	}

	globallyDone := t.globallyDone()
	in := finish.Inputs{
		Assigned:            rec.Assigned,
		Done:                rec.Done,
		CheckpointPending:   t.checkpoints.Pending(),
		AwaitingCoordinator: t.comm != nil && t.comm.Awaiting(),
		GloballyDone:        globallyDone,
	}
	// speculative units are pointless once every unit is done
	if !globallyDone {
		in.Assigned += rec.Provisional
	}

	ok, why := t.machine.Evaluate(id, in)
	switch {
	case ok:
		t.completed.Do(func() {
			if err := t.checkpoint(ctx, v, true); err != nil {
				glog.Warningf("final checkpoint failed: %v", err)
			}
		})
		glog.V(v).Infof("worker %d finished", id)
	case why.Pads():
		assigned, _ := t.ledger.Provision(id, t.opts.ProvisionalUnits)
		if t.comm != nil {
			t.comm.Notify()
		}
		glog.V(v).Infof("worker %d cannot finish (%s), padded to %d units", id, why, assigned)
	default:
		glog.V(v).Infof("worker %d cannot finish (%s)", id, why)
	}

	return ok, why
}

// globallyDone reports whether every unit of the job is completed.
func (t *Task) globallyDone() bool {
	if t.comm == nil {
		return t.ledger.LocallyComplete()
	}
	return t.comm.GlobalFinished()
}

// Finished reports whether every local worker has finished.
func (t *Task) Finished() bool {
	return t.machine.Finished()
}

// FinishPause returns the pause a worker takes before its terminal report.
func (t *Task) FinishPause() time.Duration {
	return t.opts.FinishPause
}

// Close stops the communicator, if any.
func (t *Task) Close(ctx context.Context) error {
	defer glog.Flush()

	if t.comm == nil {
		return nil
	}
	return t.comm.Close(ctx)
}
