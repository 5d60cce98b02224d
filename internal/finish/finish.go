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

// Package finish implements the negotiation a worker drives to decide whether
// it may stop. A worker that believes it is locally done asks the Machine,
// which either lets it finish or tells it why it has to keep running.
package finish

import (
	"fmt"
	"sync"
)

// Reason tells a worker why it may not stop yet.
type Reason int32

const (
	// ReasonNone accompanies a successful finish.
	ReasonNone Reason = iota

	// ReasonAllocationUpdated means new units were granted since the last check.
	ReasonAllocationUpdated

	// ReasonCheckpointRequired means a checkpoint is due or in flight.
	ReasonCheckpointRequired

	// ReasonAwaitingCoordinator means the process waits for a coordinator reply.
	ReasonAwaitingCoordinator

	// ReasonUnknown means the job is not finished for no identifiable reason.
	ReasonUnknown
)

var reasonNames = map[Reason]string{
	ReasonNone:                "None",
	ReasonAllocationUpdated:   "AllocationUpdated",
	ReasonCheckpointRequired:  "CheckpointRequired",
	ReasonAwaitingCoordinator: "AwaitingCoordinator",
	ReasonUnknown:             "Unknown",
}

func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Reason(%d)", int32(r))
}

// Code returns the numeric reason code reported to the workload.
func (r Reason) Code() int {
	return int(r) - 1
}

// Pads reports whether the worker should receive provisional units so that
// it keeps working while the decision is pending.
func (r Reason) Pads() bool {
	return r == ReasonAwaitingCoordinator || r == ReasonUnknown
}

// State is the finish state of a single worker.
type State int32

const (
	Running State = iota
	LocallyDone
	Finished
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case LocallyDone:
		return "LocallyDone"
	case Finished:
		return "Finished"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Inputs are the observations a finish decision is taken from.
type Inputs struct {
	// Assigned is the current allocation of the worker, provisional units included.
	Assigned uint64

	// Done is the last accepted progress of the worker.
	Done uint64

	// CheckpointPending is set while a checkpoint is due or in flight.
	CheckpointPending bool

	// AwaitingCoordinator is set while the process waits for a coordinator reply.
	AwaitingCoordinator bool

	// GloballyDone is set once every unit of the job is completed.
	GloballyDone bool
}

type worker struct {
	state  State
	reason Reason
}

// Machine holds the finish state of every local worker.
type Machine struct {
	mu      sync.Mutex
	workers []worker
}

// New creates a new machine with the given number of running workers.
func New(workers int) *Machine {
	return &Machine{workers: make([]worker, workers)}
}

// Progress moves the given worker between Running and LocallyDone from its
// latest accepted report. Finished workers stay finished.
func (m *Machine) Progress(id int, done, assigned uint64) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &m.workers[id]
	switch {
	case w.state == Finished:
	case assigned <= done:
		w.state = LocallyDone
	default:
		w.state = Running
	}
	return w.state
}

// Evaluate decides whether the given worker may stop. Conditions are checked
// in order: new allocation, pending checkpoint, pending coordinator reply and
// global completion. Repeated calls with the same inputs return the same
// answer, and a finished worker always may stop.
func (m *Machine) Evaluate(id int, in Inputs) (bool, Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := &m.workers[id]
	if w.state == Finished {
		return true, ReasonNone
	}

	if in.Done < in.Assigned {
		w.state, w.reason = Running, ReasonAllocationUpdated
		return false, w.reason
	}

	w.state = LocallyDone
	switch {
	case in.CheckpointPending:
		w.reason = ReasonCheckpointRequired
	case in.AwaitingCoordinator:
		w.reason = ReasonAwaitingCoordinator
	case in.GloballyDone:
		w.state, w.reason = Finished, ReasonNone
		return true, w.reason
	default:
		w.reason = ReasonUnknown
	}
	return false, w.reason
}

// State returns the state of the given worker.
func (m *Machine) State(id int) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.workers[id].state
}

// Reason returns the outcome of the last evaluation of the given worker.
func (m *Machine) Reason(id int) Reason {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.workers[id].reason
}

// Finished reports whether every worker has finished.
func (m *Machine) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.workers {
		if w.state != Finished {
			return false
		}
	}
	return true
}
