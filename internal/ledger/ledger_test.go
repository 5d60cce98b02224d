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
	"math/rand"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// planFunc adapts a function to the Rebalancer interface.
type planFunc func(View) Plan

func (f planFunc) Rebalance(view View) Plan {
	return f(view)
}

func TestPartition(t *testing.T) {
	assert.Equal(t, []uint64{334, 333, 333}, Partition(1000, 3))
	assert.Equal(t, []uint64{1000, 1000}, Partition(2000, 2))
	assert.Equal(t, []uint64{1, 1, 0, 0}, Partition(2, 4))
	assert.Empty(t, Partition(10, 0))
}

func TestNewInvalid(t *testing.T) {
	tests := []struct {
		name               string
		workers, processes int
		processID          int
		target             uint64
	}{
		{"no workers", 0, 1, 0, 100},
		{"no processes", 1, 0, 0, 100},
		{"no target", 1, 1, 0, 0},
		{"process id out of range", 1, 2, 2, 100},
		{"negative process id", 1, 2, -1, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.workers, tt.processes, tt.processID, tt.target)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestNew(t *testing.T) {
	l, err := New(3, 2, 1, 2001)
	require.NoError(t, err)
	assert.EqualValues(t, 2001, l.Target())

	snapshot := l.Snapshot()
	assert.EqualValues(t, 1000, snapshot.Local.Share)
	assert.EqualValues(t, 1000, snapshot.Local.TotalAssigned)
	assert.Equal(t, []uint64{334, 333, 333}, []uint64{l.Assigned(0), l.Assigned(1), l.Assigned(2)})
	require.Len(t, snapshot.Shadows, 1)
	assert.EqualValues(t, 1001, snapshot.Shadows[0].Share)
	assert.Zero(t, l.Assigned(3))
}

func TestRecordReportStale(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := New(2, 1, 0, 2000, WithClock(clock))
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	_, err = l.RecordReport(0, 500)
	require.NoError(t, err)
	before := l.Snapshot()

	clock.Advance(time.Second)
	_, err = l.RecordReport(0, 400)
	assert.ErrorIs(t, err, ErrStaleReport)
	assert.Equal(t, before, l.Snapshot())

	_, err = l.RecordReport(7, 1)
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestRecordReportRate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := New(1, 1, 0, 1000, WithClock(clock), WithCadence(fixedCadence(3*time.Second)))
	require.NoError(t, err)

	delay, err := l.Start(0)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, delay)

	clock.Advance(4 * time.Second)
	delay, err = l.RecordReport(0, 200)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, delay)

	rec, err := l.Record(0)
	require.NoError(t, err)
	assert.InDelta(t, 50., rec.Rate, 1e-9)
	assert.Equal(t, 1, rec.Reports)
	assert.Equal(t, clock.Now().Add(delay), rec.NextReport)
}

func TestGrantOverAllocation(t *testing.T) {
	l, err := New(2, 1, 0, 100)
	require.NoError(t, err)

	granted, err := l.Grant(0, 10)
	assert.ErrorIs(t, err, ErrOverAllocation)
	assert.Zero(t, granted)
	assert.EqualValues(t, 50, l.Assigned(0))
	assert.EqualValues(t, 10, l.Summary().Demand)
}

func TestProvision(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := New(1, 2, 0, 200, WithClock(clock))
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = l.RecordReport(0, 100)
	require.NoError(t, err)
	assert.True(t, l.LocallyComplete())

	assigned, err := l.Provision(0, 300)
	require.NoError(t, err)
	assert.EqualValues(t, 400, assigned)

	summary := l.Summary()
	assert.EqualValues(t, 100, summary.Assigned)
	assert.EqualValues(t, 300, summary.Demand)

	// speculative progress never counts toward the target
	clock.Advance(time.Second)
	_, err = l.RecordReport(0, 250)
	require.NoError(t, err)
	_, done := l.Totals()
	assert.EqualValues(t, 100, done)

	l.ExtendShare(100)
	rec, err := l.Record(0)
	require.NoError(t, err)
	assert.EqualValues(t, 200, rec.Assigned)
	assert.EqualValues(t, 200, rec.Provisional)
	assigned, done = l.Totals()
	assert.EqualValues(t, 200, assigned)
	assert.EqualValues(t, 200, done)
}

func TestReclaimAndExtendShare(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := New(2, 2, 0, 2000, WithClock(clock))
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	for id := 0; id < 2; id++ {
		_, err = l.RecordReport(id, 100)
		require.NoError(t, err)
	}

	// both workers keep their completed units plus one report period at 10 units/s
	released := l.Reclaim(2000)
	assert.EqualValues(t, 780, released)
	assert.EqualValues(t, 110, l.Assigned(0))
	assert.EqualValues(t, 110, l.Assigned(1))
	assert.EqualValues(t, 780, l.TakeReleased())
	assert.Zero(t, l.TakeReleased())

	summary := l.Summary()
	assert.EqualValues(t, 220, summary.Share)
	assert.EqualValues(t, 220, summary.Assigned)

	l.ExtendShare(300)
	summary = l.Summary()
	assert.EqualValues(t, 520, summary.Share)
	assert.EqualValues(t, 220, summary.Assigned)
}

func TestRebalancePlan(t *testing.T) {
	clock := clockwork.NewFakeClock()
	plan := planFunc(func(view View) Plan {
		if view.Workers[0].LocallyDone() {
			return Plan{
				Cessions: []Transfer{{Worker: 1, Units: 10000}},
				Grants:   []Transfer{{Worker: 0, Units: 10000}},
			}
		}
		return Plan{}
	})
	l, err := New(2, 1, 0, 2000, WithClock(clock), WithRebalancer(plan))
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	_, err = l.RecordReport(1, 200)
	require.NoError(t, err)
	_, err = l.RecordReport(0, 1000)
	require.NoError(t, err)

	// the donor never drops below its projected completion
	assert.EqualValues(t, 200, l.Assigned(1))
	assert.EqualValues(t, 1800, l.Assigned(0))
	assert.EqualValues(t, 9200, l.Summary().Demand)
}

func TestInvariants(t *testing.T) {
	const (
		workers = 4
		target  = 10000
	)
	clock := clockwork.NewFakeClock()
	plan := planFunc(func(view View) (plan Plan) {
		for _, rec := range view.Workers {
			if rec.LocallyDone() {
				plan.Grants = append(plan.Grants, Transfer{Worker: rec.ID, Units: uint64(rand.Intn(500))})
			}
		}
		return
	})
	l, err := New(workers, 1, 0, target, WithClock(clock), WithRebalancer(plan))
	require.NoError(t, err)

	done := make([]uint64, workers)
	previous := make([]uint64, workers)
	for step := 0; step < 1000 && !l.LocallyComplete(); step++ {
		clock.Advance(time.Duration(rand.Intn(1000)+1) * time.Millisecond)
		id := rand.Intn(workers)
		done[id] = min(l.Assigned(id), done[id]+uint64(rand.Intn(200)))
		_, err := l.RecordReport(id, done[id])
		require.NoError(t, err)

		snapshot := l.Snapshot()
		var assigned uint64
		for _, rec := range snapshot.Local.Workers {
			assert.LessOrEqual(t, rec.Done, rec.Assigned+rec.Provisional)
			assert.GreaterOrEqual(t, rec.Assigned, previous[rec.ID])
			previous[rec.ID] = rec.Assigned
			assigned += rec.Assigned
		}
		assert.LessOrEqual(t, assigned, uint64(target))
	}
}

func TestSnapshotRestore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l, err := New(2, 1, 0, 1000, WithClock(clock))
	require.NoError(t, err)

	clock.Advance(time.Second)
	_, err = l.RecordReport(0, 300)
	require.NoError(t, err)
	snapshot := l.Snapshot()

	restored, err := New(2, 1, 0, 1000, WithClock(clock))
	require.NoError(t, err)
	require.NoError(t, restored.Restore(snapshot.Local))

	rec, err := restored.Record(0)
	require.NoError(t, err)
	assert.EqualValues(t, 300, rec.Done)
	assert.EqualValues(t, 500, rec.Assigned)
	assigned, done := restored.Totals()
	assert.EqualValues(t, 1000, assigned)
	assert.EqualValues(t, 300, done)

	bad := snapshot.Local
	bad.ProcessID = 1
	assert.ErrorIs(t, restored.Restore(bad), ErrConfig)

	bad = snapshot.Local
	bad.Workers = bad.Workers[:1]
	assert.ErrorIs(t, restored.Restore(bad), ErrConfig)

	bad = snapshot.Local.clone()
	bad.Workers[0].Assigned = 2000
	assert.ErrorIs(t, restored.Restore(bad), ErrConfig)
}
