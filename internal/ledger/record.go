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

package ledger

import (
	"math"
	"time"
)

// WorkerRecord holds the bookkeeping of a single worker. Records are owned by
// the Ledger; callers only ever see copies.
type WorkerRecord struct {
	ID          int       `json:"id"`
	Assigned    uint64    `json:"assigned"`
	Done        uint64    `json:"done"`
	Provisional uint64    `json:"provisional,omitempty"`
	Reports     int       `json:"reports"`
	Started     time.Time `json:"started"`
	LastReport  time.Time `json:"last_report"`
	NextReport  time.Time `json:"-"`
	Rate        float64   `json:"rate"`
}

// Confirmed returns the completed units that count toward the global target.
// Units completed beyond the confirmed allocation are speculative.
func (r WorkerRecord) Confirmed() uint64 {
	return min(r.Done, r.Assigned)
}

// Remaining returns the units the worker still has to complete, including
// any provisional padding.
func (r WorkerRecord) Remaining() uint64 {
	if total := r.Assigned + r.Provisional; r.Done < total {
		return total - r.Done
	}
	return 0
}

// Measured reports whether the worker has produced a throughput sample.
func (r WorkerRecord) Measured() bool {
	return 0 < r.Reports && 0 < r.Rate
}

// LocallyDone reports whether the worker has completed its whole allocation.
func (r WorkerRecord) LocallyDone() bool {
	return r.Assigned+r.Provisional <= r.Done
}

// Projected estimates the completed units at the given time from the last
// accepted report and the measured rate, never beyond the confirmed allocation.
func (r WorkerRecord) Projected(now time.Time) uint64 {
	if !r.Measured() || !now.After(r.LastReport) {
		return r.Confirmed()
	}
	projected := r.Done + uint64(r.Rate*now.Sub(r.LastReport).Seconds())
	return min(projected, max(r.Assigned, r.Done))
}

// ETA estimates the time the worker needs to complete its confirmed
// allocation. Unmeasured workers report zero.
func (r WorkerRecord) ETA(now time.Time) time.Duration {
	if !r.Measured() {
		return 0
	}
	projected := r.Projected(now)
	if r.Assigned <= projected {
		return 0
	}
	return time.Duration(float64(r.Assigned-projected) / r.Rate * float64(time.Second))
}

// Guard returns the allocation a worker keeps when it cedes units: its
// projected completion plus what it is expected to complete until its next
// report and one decision window after it.
func (r WorkerRecord) Guard(now time.Time, window time.Duration) uint64 {
	guard := max(r.Done, r.Projected(now))
	if !r.Measured() {
		return guard
	}
	horizon := window
	if now.Before(r.NextReport) {
		horizon += r.NextReport.Sub(now)
	}
	return guard + uint64(math.Ceil(r.Rate*horizon.Seconds()))
}

// ProcessLedger is the per-process aggregate. The local process holds the
// working copy; the others are shadow copies refreshed by reconciliation and
// carry no worker records.
type ProcessLedger struct {
	ProcessID     int            `json:"process_id"`
	Share         uint64         `json:"share"`
	TotalAssigned uint64         `json:"total_assigned"`
	TotalDone     uint64         `json:"total_done"`
	Rate          float64        `json:"rate,omitempty"`
	Workers       []WorkerRecord `json:"workers,omitempty"`
}

// Unallocated returns the units of the share not assigned to any worker.
func (p ProcessLedger) Unallocated() uint64 {
	if p.TotalAssigned < p.Share {
		return p.Share - p.TotalAssigned
	}
	return 0
}

// clone returns a deep copy of the process ledger.
func (p ProcessLedger) clone() ProcessLedger {
	out := p
	if p.Workers != nil {
		out.Workers = make([]WorkerRecord, len(p.Workers))
		copy(out.Workers, p.Workers)
	}
	return out
}
