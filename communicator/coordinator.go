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

package communicator

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/9rum/leveler/internal/ledger"
	"github.com/9rum/leveler/internal/metrics"
	"github.com/9rum/leveler/scheduler"
	"github.com/golang/glog"
)

// ErrInvalidProcess is returned for an exchange from an unknown process.
var ErrInvalidProcess = errors.New("invalid process")

// Coordinator holds the aggregate view of every cooperating process and
// migrates work between them. It runs in the elected process and is reached
// only through a transport; every exchange is handled in a single critical
// section.
type Coordinator struct {
	mu        sync.Mutex
	target    uint64
	pool      uint64
	processes []ledger.ProcessLedger
	demand    []uint64
	reclaim   []uint64
	inTransit []uint64
	sequence  []uint64
	replies   []ExchangeResponse
	finished  bool
	finalized []bool
	done      chan struct{}
	metrics   metrics.Collector
}

// NewCoordinator creates a new coordinator with the initial even split of the
// target among the given number of processes.
func NewCoordinator(processes int, target uint64, collector metrics.Collector) (*Coordinator, error) {
	if processes <= 0 || target == 0 {
		return nil, fmt.Errorf("%w: coordinator needs processes and a target, got %d and %d", ledger.ErrConfig, processes, target)
	}
	if collector == nil {
		collector = metrics.NewNop()
	}

	c := &Coordinator{
		target:    target,
		processes: make([]ledger.ProcessLedger, 0, processes),
		demand:    make([]uint64, processes),
		reclaim:   make([]uint64, processes),
		inTransit: make([]uint64, processes),
		sequence:  make([]uint64, processes),
		replies:   make([]ExchangeResponse, processes),
		finalized: make([]bool, processes),
		done:      make(chan struct{}),
		metrics:   collector,
	}
	for rank, share := range ledger.Partition(target, processes) {
		c.processes = append(c.processes, ledger.ProcessLedger{ProcessID: rank, Share: share, TotalAssigned: share})
	}

	return c, nil
}

// Restore replaces the aggregate view with the one recorded in a checkpoint.
// Units not covered by any share return to the global pool.
func (c *Coordinator) Restore(processes []ledger.ProcessLedger) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var shares uint64
	for _, p := range processes {
		if p.ProcessID < 0 || len(c.processes) <= p.ProcessID {
			return fmt.Errorf("%w: %d", ErrInvalidProcess, p.ProcessID)
		}
		shares += p.Share
	}
	if c.target < shares {
		return fmt.Errorf("%w: checkpoint shares %d exceed target %d", ledger.ErrConfig, shares, c.target)
	}

	for _, p := range processes {
		c.processes[p.ProcessID] = ledger.ProcessLedger{
			ProcessID:     p.ProcessID,
			Share:         p.Share,
			TotalAssigned: p.TotalAssigned,
			TotalDone:     p.TotalDone,
			Rate:          p.Rate,
		}
	}
	c.pool = c.target - c.shares()

	return nil
}

// Handle reconciles the given process with the aggregate view. Released units
// return to the global pool, then the process is granted units from the pool
// if it runs out of work earlier than the others. A shortfall is scheduled for
// reclaim from the processes projected to finish last. A round is applied
// once; its retries get the recorded reply.
func (c *Coordinator) Handle(req ExchangeRequest) (ExchangeResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.ProcessID < 0 || len(c.processes) <= req.ProcessID {
		return ExchangeResponse{}, fmt.Errorf("%w: %d", ErrInvalidProcess, req.ProcessID)
	}
	glog.V(2).Infof("exchange from process %d: done %d assigned %d demand %d released %d", req.ProcessID, req.Done, req.Assigned, req.Demand, req.Released)

	p := &c.processes[req.ProcessID]
	if 0 < req.Sequence && req.Sequence <= c.sequence[req.ProcessID] {
		return c.replay(p, req), nil
	}

	released := min(req.Released, p.Share)
	p.Share -= released
	c.pool += released
	p.TotalAssigned = min(req.Assigned, p.Share)
	p.TotalDone = min(req.Done, p.Share)
	p.Rate = req.Rate
	c.demand[req.ProcessID] = req.Demand
	if 0 < released {
		c.metrics.ObserveTransfer("release", released)
	}

	// units asked for in the last reply have been released by now
	resp := ExchangeResponse{Reclaim: c.reclaim[req.ProcessID]}
	if req.LocallyComplete {
		resp.Reclaim = 0
	}
	c.reclaim[req.ProcessID], c.inTransit[req.ProcessID] = 0, 0

	want := max(req.Demand, c.extra(req.ProcessID))
	if req.LocallyComplete && want == 0 && 0 < c.pool {
		want = c.pool
	}
	if 0 < want {
		resp.Grant = min(want, c.pool)
		c.pool -= resp.Grant
		p.Share += resp.Grant
		if 0 < resp.Grant {
			c.metrics.ObserveTransfer("share", resp.Grant)
		}
		if resp.Grant < want {
			resp.NoSpare = true
			c.schedule(req.ProcessID, want-resp.Grant)
		}
		// a starving process never gives units back
		resp.Reclaim = 0
	}

	c.inTransit[req.ProcessID] = resp.Reclaim
	c.sequence[req.ProcessID] = req.Sequence
	c.replies[req.ProcessID] = ExchangeResponse{Grant: resp.Grant, Reclaim: resp.Reclaim, NoSpare: resp.NoSpare}

	return c.complete(resp), nil
}

// replay answers a round that was already applied. Its released units and its
// grant are not applied again; the process only gets the same decisions back
// along with a fresh view. A round older than the last one applied carries no
// decisions. The lock must be held.
func (c *Coordinator) replay(p *ledger.ProcessLedger, req ExchangeRequest) ExchangeResponse {
	glog.V(1).Infof("replaying round %d of process %d", req.Sequence, req.ProcessID)

	p.TotalAssigned = min(req.Assigned, p.Share)
	p.TotalDone = min(req.Done, p.Share)
	p.Rate = req.Rate

	var resp ExchangeResponse
	if req.Sequence == c.sequence[req.ProcessID] {
		resp = c.replies[req.ProcessID]
	}
	return c.complete(resp)
}

// complete sets the global finish flag and the aggregate view of the reply.
// The lock must be held.
func (c *Coordinator) complete(resp ExchangeResponse) ExchangeResponse {
	if !c.finished && c.pool == 0 && c.totalDone() == c.target {
		c.finished = true
		glog.Infof("job finished: %d units completed by %d processes", c.target, len(c.processes))
	}
	resp.Finished = c.finished

	resp.Processes = make([]ledger.ProcessLedger, len(c.processes))
	copy(resp.Processes, c.processes)

	return resp
}

// extra returns the units the given process should receive so that the
// projected finish times of all measured processes converge. The lock must be
// held.
func (c *Coordinator) extra(id int) uint64 {
	if c.pool == 0 {
		return 0
	}
	rates := make([]float64, len(c.processes))
	remaining := make([]uint64, len(c.processes))
	total := c.pool
	for rank, p := range c.processes {
		if p.Rate <= 0 {
			return 0
		}
		rates[rank] = p.Rate
		remaining[rank] = p.Share - min(p.Share, p.TotalDone)
		total += remaining[rank]
	}
	ideal := scheduler.Equalize(rates, total)
	if remaining[id] < ideal[id] {
		return ideal[id] - remaining[id]
	}
	return 0
}

// schedule asks the processes projected to finish last to give back up to
// units of their share, net of the reclaims already under way. The lock must
// be held.
func (c *Coordinator) schedule(starving int, units uint64) {
	for rank := range c.processes {
		if rank != starving {
			units -= min(units, c.reclaim[rank]+c.inTransit[rank])
		}
	}

	order := make([]int, 0, len(c.processes))
	for rank := range c.processes {
		if rank != starving && c.demand[rank] == 0 {
			order = append(order, rank)
		}
	}
	eta := func(rank int) float64 {
		p := c.processes[rank]
		if p.Rate <= 0 {
			return 0
		}
		return float64(p.Share-min(p.Share, p.TotalDone)) / p.Rate
	}
	sort.SliceStable(order, func(i, j int) bool {
		return eta(order[i]) > eta(order[j])
	})

	for _, rank := range order {
		if units == 0 {
			break
		}
		p := c.processes[rank]
		surplus, pending := p.Share-min(p.Share, p.TotalDone), c.reclaim[rank]+c.inTransit[rank]
		if surplus <= pending {
			continue
		}
		ask := min(surplus-pending, units)
		c.reclaim[rank] += ask
		units -= ask
		glog.V(1).Infof("scheduled reclaim of %d units from process %d for process %d", ask, rank, starving)
	}
}

func (c *Coordinator) shares() (sum uint64) {
	for _, p := range c.processes {
		sum += p.Share
	}
	return
}

func (c *Coordinator) totalDone() (sum uint64) {
	for _, p := range c.processes {
		sum += p.TotalDone
	}
	return
}

// Pool returns the units not covered by any process share.
func (c *Coordinator) Pool() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pool
}

// Processes returns a copy of the aggregate view.
func (c *Coordinator) Processes() []ledger.ProcessLedger {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ledger.ProcessLedger, len(c.processes))
	copy(out, c.processes)
	return out
}

// Finished reports whether every unit of the job is completed.
func (c *Coordinator) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.finished
}

// Finalize records that the given process has terminated. Done is closed once
// every process has done so.
func (c *Coordinator) Finalize(id int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id < 0 || len(c.finalized) <= id {
		return fmt.Errorf("%w: %d", ErrInvalidProcess, id)
	}
	if c.finalized[id] {
		return nil
	}
	c.finalized[id] = true
	glog.Infof("Finalize called from process %d", id)

	for _, finalized := range c.finalized {
		if !finalized {
			return nil
		}
	}
	close(c.done)
	return nil
}

// Done returns a channel that is closed once every process has finalized.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
