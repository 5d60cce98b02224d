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

// Package ledger provides the authoritative bookkeeping of assigned and
// completed work units. All mutations funnel through the Ledger so that the
// allocation invariants are enforced in a single critical section; reports,
// grants and snapshots from concurrent workers are serialized by one mutex
// that is never held while a worker is sampling.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/9rum/leveler/internal/metrics"
	"github.com/jonboulle/clockwork"
)

const defaultReportDelay = time.Second

// Rebalancer recomputes per-worker allocations from the ledger and freshly
// observed throughput. It runs synchronously inside the ledger lock and must
// not call back into the ledger.
type Rebalancer interface {
	Rebalance(view View) Plan
}

// Cadence decides how long a worker may run until its next mandatory report.
type Cadence interface {
	// First returns the delay before the first report, when no rate is known.
	First() time.Duration

	// Next returns the delay after an accepted report.
	Next(record WorkerRecord) time.Duration
}

// View is the read-only input of a rebalancing pass.
type View struct {
	Now      time.Time
	Started  time.Time
	Reporter int
	Pool     uint64
	MinTime  time.Duration
	Workers  []WorkerRecord
}

// Transfer moves units to or from a single worker.
type Transfer struct {
	Worker int
	Units  uint64
}

// Plan is the outcome of a rebalancing pass. Cessions are applied before
// grants so that ceded units are available to the recipients.
type Plan struct {
	Cessions []Transfer
	Grants   []Transfer
	Demand   uint64
}

// Summary is the process-level view exchanged with the coordinator.
type Summary struct {
	ProcessID       int
	Share           uint64
	Assigned        uint64
	Done            uint64
	Rate            float64
	Demand          uint64
	LocallyComplete bool
}

// Snapshot is a consistent copy of the ledger taken under its lock.
type Snapshot struct {
	Target  uint64
	Started time.Time
	Local   ProcessLedger
	Shadows []ProcessLedger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used to measure throughput.
func WithClock(clock clockwork.Clock) Option {
	return func(l *Ledger) {
		l.clock = clock
	}
}

// WithRebalancer sets the rebalancing policy.
func WithRebalancer(rebalancer Rebalancer) Option {
	return func(l *Ledger) {
		l.rebalancer = rebalancer
	}
}

// WithCadence sets the report scheduling policy.
func WithCadence(cadence Cadence) Option {
	return func(l *Ledger) {
		l.cadence = cadence
	}
}

// WithMinTime sets the minimum time between allocation decisions.
func WithMinTime(d time.Duration) Option {
	return func(l *Ledger) {
		l.minTime = d
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector metrics.Collector) Option {
	return func(l *Ledger) {
		l.metrics = collector
	}
}

// Ledger is the lock-guarded aggregate shared by reference among the local
// workers of a process.
type Ledger struct {
	mu         sync.Mutex
	clock      clockwork.Clock
	target     uint64
	processes  int
	local      ProcessLedger
	shadows    []ProcessLedger
	started    time.Time
	minTime    time.Duration
	demand     uint64
	released   uint64
	rebalancer Rebalancer
	cadence    Cadence
	metrics    metrics.Collector
}

// Partition splits total into the given number of parts evenly, assigning the
// remainder to the first parts.
func Partition(total uint64, parts int) []uint64 {
	out := make([]uint64, parts)
	if parts <= 0 {
		return out
	}
	quotient, remainder := total/uint64(parts), total%uint64(parts)
	for index := range out {
		out[index] = quotient
		if uint64(index) < remainder {
			out[index]++
		}
	}
	return out
}

// New creates a new ledger for the given process. The target is first
// partitioned among processes, then the local share among workers.
func New(workers, processes, processID int, target uint64, opts ...Option) (*Ledger, error) {
	switch {
	case workers <= 0:
		return nil, fmt.Errorf("%w: worker count must be positive, got %d", ErrConfig, workers)
	case processes <= 0:
		return nil, fmt.Errorf("%w: process count must be positive, got %d", ErrConfig, processes)
	case target == 0:
		return nil, fmt.Errorf("%w: target must be positive", ErrConfig)
	case processID < 0 || processes <= processID:
		return nil, fmt.Errorf("%w: process id %d out of range [0, %d)", ErrConfig, processID, processes)
	}

	l := &Ledger{
		clock:      clockwork.NewRealClock(),
		target:     target,
		processes:  processes,
		rebalancer: nopRebalancer{},
		cadence:    fixedCadence(defaultReportDelay),
		metrics:    metrics.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.started = l.clock.Now()

	shares := Partition(target, processes)
	l.local = ProcessLedger{
		ProcessID: processID,
		Share:     shares[processID],
		Workers:   make([]WorkerRecord, 0, workers),
	}
	for id, units := range Partition(shares[processID], workers) {
		l.local.Workers = append(l.local.Workers, WorkerRecord{
			ID:         id,
			Assigned:   units,
			Started:    l.started,
			LastReport: l.started,
		})
		l.metrics.ObserveAllocation(processID, id, units)
	}
	l.sync()

	for rank, share := range shares {
		if rank != processID {
			l.shadows = append(l.shadows, ProcessLedger{ProcessID: rank, Share: share, TotalAssigned: share})
		}
	}

	return l, nil
}

// Target returns the global number of work units.
func (l *Ledger) Target() uint64 {
	return l.target
}

// ProcessID returns the id of the local process.
func (l *Ledger) ProcessID() int {
	return l.local.ProcessID
}

// Processes returns the number of cooperating processes.
func (l *Ledger) Processes() int {
	return l.processes
}

// Workers returns the number of local workers.
func (l *Ledger) Workers() int {
	return len(l.local.Workers)
}

// Assigned returns the current allocation of the given worker, provisional
// padding included.
func (l *Ledger) Assigned(id int) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.record(id)
	if err != nil {
		return 0
	}
	return rec.Assigned + rec.Provisional
}

// Record returns a copy of the given worker's record.
func (l *Ledger) Record(id int) (WorkerRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.record(id)
	if err != nil {
		return WorkerRecord{}, err
	}
	return *rec, nil
}

// Start registers the given worker as active and returns the delay until its
// first report.
func (l *Ledger) Start(id int) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.record(id)
	if err != nil {
		return 0, err
	}
	now := l.clock.Now()
	delay := l.cadence.First()
	rec.Started, rec.LastReport, rec.NextReport = now, now, now.Add(delay)

	return delay, nil
}

// RecordReport accepts a cumulative progress report. A regressive report is
// rejected with ErrStaleReport and leaves the ledger untouched; otherwise the
// measured rate is refreshed, the rebalancer runs and the delay until the next
// mandatory report is returned.
func (l *Ledger) RecordReport(id int, done uint64) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.record(id)
	if err != nil {
		return 0, err
	}
	if done < rec.Done {
		l.metrics.ObserveRejected(l.local.ProcessID, id)
		return 0, fmt.Errorf("%w: worker %d reported %d after %d", ErrStaleReport, id, done, rec.Done)
	}

	now := l.clock.Now()
	delta := done - rec.Done
	if elapsed := now.Sub(rec.LastReport); time.Millisecond <= elapsed && (0 < delta || !rec.LocallyDone()) {
		rec.Rate = float64(delta) / elapsed.Seconds()
	}
	rec.Done = done
	rec.LastReport = now
	rec.Reports++
	l.confirm(rec)

	l.rebalance(id, now)

	delay := l.cadence.Next(*rec)
	rec.NextReport = now.Add(delay)
	l.metrics.ObserveReport(l.local.ProcessID, id, done, rec.Rate)

	return delay, nil
}

// Grant increases the allocation of the given worker by extra units drawn
// from the unallocated share. A grant exceeding the share is capped, the
// remainder is deferred as demand and ErrOverAllocation is returned along
// with the units actually granted.
func (l *Ledger) Grant(id int, extra uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.record(id)
	if err != nil {
		return 0, err
	}
	granted := l.grant(rec, extra)
	if granted < extra {
		l.demand += extra - granted
		return granted, fmt.Errorf("%w: worker %d requested %d, granted %d", ErrOverAllocation, id, extra, granted)
	}
	return granted, nil
}

// Rebalance runs a rebalancing pass on behalf of the given worker without a
// fresh progress sample.
func (l *Ledger) Rebalance(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.record(id); err == nil {
		l.rebalance(id, l.clock.Now())
	}
}

// Provision pads the allocation of the given worker so that it keeps working
// while a decision is pending. Units available in the unallocated share are
// granted; the rest is speculative and confirmed by later grants.
func (l *Ledger) Provision(id int, units uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, err := l.record(id)
	if err != nil {
		return 0, err
	}
	granted := l.grant(rec, units)
	rec.Provisional += units - granted
	l.metrics.ObserveTransfer("provisional", units-granted)

	return rec.Assigned + rec.Provisional, nil
}

// Summary returns the process-level view of the ledger.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{
		ProcessID: l.local.ProcessID,
		Share:     l.local.Share,
		Assigned:  l.local.TotalAssigned,
		Done:      l.local.TotalDone,
		Demand:    l.demand,
	}
	for _, rec := range l.local.Workers {
		s.Rate += rec.Rate
		s.Demand += rec.Provisional
	}
	s.LocallyComplete = l.locallyComplete()

	return s
}

// LocallyComplete reports whether every unit of the local share is assigned
// and completed.
func (l *Ledger) LocallyComplete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.locallyComplete()
}

// Totals returns the confirmed assigned and done units of the local process.
func (l *Ledger) Totals() (assigned, done uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.local.TotalAssigned, l.local.TotalDone
}

// ExtendShare grows the local share with units granted by the coordinator.
// Provisional padding is confirmed first, then a rebalancing pass hands the
// rest to the workers.
func (l *Ledger) ExtendShare(units uint64) {
	if units == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.local.Share += units
	for index := range l.local.Workers {
		rec := &l.local.Workers[index]
		if 0 < rec.Provisional {
			l.grant(rec, rec.Provisional)
		}
	}
	l.sync()
	l.rebalance(-1, l.clock.Now())
}

// Reclaim gives up to units of the local share back to the coordinator. The
// unallocated share goes first, then un-started units of the slowest workers,
// never below what they are projected to complete before their next report.
// It returns the units released.
func (l *Ledger) Reclaim(units uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	released := min(units, l.local.Unallocated())
	now := l.clock.Now()

	// slowest projected finish first
	order := make([]int, 0, len(l.local.Workers))
	for index := range l.local.Workers {
		if l.local.Workers[index].Measured() {
			order = append(order, index)
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		return l.local.Workers[order[i]].ETA(now) > l.local.Workers[order[j]].ETA(now)
	})
	for _, index := range order {
		if units <= released {
			break
		}
		rec := &l.local.Workers[index]
		guard := rec.Guard(now, l.minTime)
		if guard < rec.Assigned {
			ceded := min(rec.Assigned-guard, units-released)
			rec.Assigned -= ceded
			released += ceded
			l.metrics.ObserveAllocation(l.local.ProcessID, rec.ID, rec.Assigned)
		}
	}

	l.local.Share -= released
	l.released += released
	l.sync()
	l.metrics.ObserveTransfer("reclaim", released)

	return released
}

// TakeReleased returns the units released since the last call.
func (l *Ledger) TakeReleased() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	released := l.released
	l.released = 0
	return released
}

// SetShadows refreshes the shadow copies of the other processes.
func (l *Ledger) SetShadows(processes []ProcessLedger) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.shadows = l.shadows[:0]
	for _, p := range processes {
		if p.ProcessID != l.local.ProcessID {
			l.shadows = append(l.shadows, p.clone())
		}
	}
}

// Snapshot returns a consistent deep copy of the ledger.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Snapshot{
		Target:  l.target,
		Started: l.started,
		Local:   l.local.clone(),
		Shadows: make([]ProcessLedger, 0, len(l.shadows)),
	}
	for _, p := range l.shadows {
		s.Shadows = append(s.Shadows, p.clone())
	}
	return s
}

// Restore replaces the local bookkeeping with the given process ledger,
// typically loaded from a checkpoint. Throughput samples are kept so that the
// next reports re-measure from the restored counts.
func (l *Ledger) Restore(p ProcessLedger) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case p.ProcessID != l.local.ProcessID:
		return fmt.Errorf("%w: checkpoint of process %d restored into process %d", ErrConfig, p.ProcessID, l.local.ProcessID)
	case len(p.Workers) != len(l.local.Workers):
		return fmt.Errorf("%w: checkpoint has %d workers, want %d", ErrConfig, len(p.Workers), len(l.local.Workers))
	case l.target < p.Share:
		return fmt.Errorf("%w: checkpoint share %d exceeds target %d", ErrConfig, p.Share, l.target)
	}

	var assigned uint64
	for _, rec := range p.Workers {
		assigned += rec.Assigned
	}
	if p.Share < assigned {
		return fmt.Errorf("%w: checkpoint assigns %d units of a %d share", ErrConfig, assigned, p.Share)
	}

	now := l.clock.Now()
	l.local.Share = p.Share
	for id, rec := range p.Workers {
		l.local.Workers[id] = WorkerRecord{
			ID:          id,
			Assigned:    rec.Assigned,
			Done:        rec.Done,
			Provisional: rec.Provisional,
			Reports:     rec.Reports,
			Started:     now,
			LastReport:  now,
			Rate:        rec.Rate,
		}
	}
	l.sync()

	return nil
}

// record returns the record of the given worker. The lock must be held.
func (l *Ledger) record(id int) (*WorkerRecord, error) {
	if id < 0 || len(l.local.Workers) <= id {
		return nil, fmt.Errorf("%w: %d", ErrUnknownWorker, id)
	}
	return &l.local.Workers[id], nil
}

// sync recomputes the process totals. The lock must be held.
func (l *Ledger) sync() {
	l.local.TotalAssigned, l.local.TotalDone, l.local.Rate = 0, 0, 0
	for _, rec := range l.local.Workers {
		l.local.TotalAssigned += rec.Assigned
		l.local.TotalDone += rec.Confirmed()
		l.local.Rate += rec.Rate
	}
}

// locallyComplete reports whether the local share is fully assigned and
// completed. The lock must be held.
func (l *Ledger) locallyComplete() bool {
	return l.local.TotalAssigned == l.local.Share && l.local.TotalDone == l.local.Share
}

// grant moves up to units from the unallocated share to the given worker and
// returns the units granted. Provisional padding is converted first. The lock
// must be held.
func (l *Ledger) grant(rec *WorkerRecord, units uint64) uint64 {
	granted := min(units, l.local.Unallocated())
	if granted == 0 {
		return 0
	}
	rec.Assigned += granted
	rec.Provisional -= min(rec.Provisional, granted)
	l.sync()
	l.metrics.ObserveTransfer("grant", granted)
	l.metrics.ObserveAllocation(l.local.ProcessID, rec.ID, rec.Assigned)

	return granted
}

// confirm turns completed speculative units into confirmed allocation as far
// as the unallocated share allows, and pads the record so that done never
// exceeds its allocation. The lock must be held.
func (l *Ledger) confirm(rec *WorkerRecord) {
	if rec.Assigned < rec.Done {
		l.grant(rec, rec.Done-rec.Assigned)
	}
	if rec.Assigned+rec.Provisional < rec.Done {
		rec.Provisional = rec.Done - rec.Assigned
	}
	l.sync()
}

// rebalance applies a rebalancing plan. The lock must be held.
func (l *Ledger) rebalance(reporter int, now time.Time) {
	view := View{
		Now:      now,
		Started:  l.started,
		Reporter: reporter,
		Pool:     l.local.Unallocated(),
		MinTime:  l.minTime,
		Workers:  make([]WorkerRecord, len(l.local.Workers)),
	}
	copy(view.Workers, l.local.Workers)

	plan := l.rebalancer.Rebalance(view)

	for _, t := range plan.Cessions {
		rec, err := l.record(t.Worker)
		if err != nil || t.Units == 0 {
			continue
		}
		floor := max(rec.Done, rec.Projected(now))
		if rec.Assigned <= floor {
			continue
		}
		ceded := min(t.Units, rec.Assigned-floor)
		rec.Assigned -= ceded
		l.metrics.ObserveTransfer("cession", ceded)
		l.metrics.ObserveAllocation(l.local.ProcessID, rec.ID, rec.Assigned)
	}
	l.sync()

	demand := plan.Demand
	for _, t := range plan.Grants {
		rec, err := l.record(t.Worker)
		if err != nil {
			continue
		}
		starving := rec.LocallyDone()
		if granted := l.grant(rec, t.Units); granted < t.Units && starving {
			demand += t.Units - granted
		}
	}
	l.demand = demand
}

// nopRebalancer never changes the allocation.
type nopRebalancer struct{}

func (nopRebalancer) Rebalance(View) (_ Plan) {
	return
}

// fixedCadence always returns the same delay.
type fixedCadence time.Duration

func (c fixedCadence) First() time.Duration {
	return time.Duration(c)
}

func (c fixedCadence) Next(WorkerRecord) time.Duration {
	return time.Duration(c)
}
