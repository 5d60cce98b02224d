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

// Package montecarlo estimates pi by sampling points in the unit square. It
// is the sample workload of the engine: every worker samples fixed-size chunks
// of points, reports its progress on the cadence the task asks for and
// negotiates its termination with the task.
package montecarlo

import (
	"context"
	"fmt"
	"math/rand"
	"sort"

	"github.com/9rum/leveler/internal/finish"
	"github.com/9rum/leveler/task"
	"github.com/golang/glog"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc/pool"
)

// DefaultChunkSize is the number of points sampled between two progress checks.
const DefaultChunkSize = 100

// padChunks is the number of chunks a worker keeps sampling while its
// termination is undecided.
const padChunks = 3

// Sample draws n points uniformly from the unit square and returns how many
// fall inside the unit circle.
func Sample(rng *rand.Rand, n uint64) (inside uint64) {
	for i := uint64(0); i < n; i++ {
		x, y := rng.Float64(), rng.Float64()
		if x*x+y*y <= 1 {
			inside++
		}
	}
	return
}

// Result is the outcome of a single worker.
type Result struct {
	Worker  int
	Sampled uint64
	Inside  uint64
}

// Estimate returns the pi estimate of the given results.
func Estimate(results []Result) (pi float64, sampled, inside uint64) {
	for _, result := range results {
		sampled += result.Sampled
		inside += result.Inside
	}
	if sampled == 0 {
		return 0, 0, 0
	}
	return 4 * float64(inside) / float64(sampled), sampled, inside
}

// Runner runs the workload on every local worker of a task.
type Runner struct {
	task      *task.Task
	clock     clockwork.Clock
	chunkSize uint64
	seed      int64
	verbosity glog.Level
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the clock the workers keep time with.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Runner) {
		r.clock = clock
	}
}

// WithChunkSize sets the number of points sampled between two progress checks.
func WithChunkSize(n uint64) Option {
	return func(r *Runner) {
		if 0 < n {
			r.chunkSize = n
		}
	}
}

// WithSeed seeds the generators of the workers; worker i uses seed+i.
func WithSeed(seed int64) Option {
	return func(r *Runner) {
		r.seed = seed
	}
}

// WithVerbosity sets the verbosity level passed to the task.
func WithVerbosity(v glog.Level) Option {
	return func(r *Runner) {
		r.verbosity = v
	}
}

// New creates a new runner for the given task.
func New(t *task.Task, opts ...Option) *Runner {
	r := &Runner{
		task:      t,
		clock:     clockwork.NewRealClock(),
		chunkSize: DefaultChunkSize,
		seed:      rand.Int63(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run runs a worker per local worker id of the task and waits until every
// worker has finished. The results are ordered by worker id.
func (r *Runner) Run(ctx context.Context) ([]Result, error) {
	p := pool.NewWithResults[Result]().WithContext(ctx)
	for id := 0; id < r.task.Options().Workers; id++ {
		id := id
		p.Go(func(ctx context.Context) (Result, error) {
			return r.loop(ctx, id)
		})
	}

	results, err := p.Wait()
	sort.Slice(results, func(i, j int) bool {
		return results[i].Worker < results[j].Worker
	})
	return results, err
}

func (r *Runner) loop(ctx context.Context, id int) (Result, error) {
	rng := rand.New(rand.NewSource(r.seed + int64(id)))
	result := Result{Worker: id}

	delay, err := r.task.WorkerStart(id, r.verbosity)
	if err != nil {
		return result, fmt.Errorf("worker %d: %w", id, err)
	}
	report := r.clock.Now().Add(delay)

	toDo := r.task.Assigned(id)
	glog.V(r.verbosity).Infof("worker %d: %d points to sample, first report in %s", id, toDo, delay)

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Inside += Sample(rng, r.chunkSize)
		result.Sampled += r.chunkSize

		if now := r.clock.Now(); report.Before(now) {
			if delay, err := r.task.Report(id, result.Sampled, r.verbosity); err == nil {
				report = now.Add(delay)
			}
			if assigned := r.task.Assigned(id); assigned != toDo {
				glog.V(r.verbosity).Infof("worker %d: points updated from %d to %d", id, toDo, assigned)
				toDo = assigned
			}
		}
		// worker 0 drives the periodic checkpoints
		if id == 0 && r.task.CheckpointDue() {
			_ = r.task.Checkpoint(ctx, r.verbosity)
		}

		if result.Sampled < toDo {
			continue
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-r.clock.After(r.task.FinishPause()):
		}
		_, _ = r.task.Report(id, result.Sampled, r.verbosity)

		ok, why := r.task.WorkerFinish(ctx, id, r.verbosity)
		if ok {
			glog.V(r.verbosity).Infof("worker %d: finished after %d points", id, result.Sampled)
			return result, nil
		}

		switch why {
		case finish.ReasonAllocationUpdated:
		case finish.ReasonCheckpointRequired:
			_ = r.task.Checkpoint(ctx, r.verbosity)
		case finish.ReasonAwaitingCoordinator:
			glog.V(r.verbosity).Infof("worker %d: waiting for the coordinator to finish", id)
		default:
			glog.Warningf("worker %d: unable to finish (%s)", id, why)
		}
		toDo = r.task.Assigned(id)
		if why.Pads() {
			toDo = max(toDo, result.Sampled+padChunks*r.chunkSize)
		}
	}
}
