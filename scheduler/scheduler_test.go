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

package scheduler

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/9rum/leveler/internal/ledger"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	seed := time.Now().Unix()
	fmt.Println(seed)
	rand.Seed(seed)
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("Static")
	require.NoError(t, err)
	assert.Equal(t, STATIC, kind)

	kind, err = ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, DYNAMIC, kind)
	assert.Equal(t, "dynamic", kind.String())

	_, err = ParseKind("greedy")
	assert.Error(t, err)

	assert.IsType(t, &StaticScheduler{}, New(STATIC))
	assert.IsType(t, &DynamicScheduler{}, New(DYNAMIC))
	assert.Panics(t, func() { New(Kind(7)) })
}

func TestEqualize(t *testing.T) {
	assert.Equal(t, []uint64{667, 133}, Equalize([]float64{100, 20}, 800))
	assert.Equal(t, []uint64{34, 33, 33}, Equalize([]float64{1, 1, 1}, 100))
	assert.Equal(t, []uint64{50, 50}, Equalize([]float64{0, 0}, 100))
	assert.Equal(t, []uint64{0, 10}, Equalize([]float64{0, 5}, 10))
}

func TestStaticScheduler(t *testing.T) {
	now := time.Now()
	view := ledger.View{
		Now:  now,
		Pool: 101,
		Workers: []ledger.WorkerRecord{
			{ID: 0, Assigned: 100, Done: 50},
			{ID: 1, Assigned: 100, Done: 100},
			{ID: 2, Assigned: 100, Done: 100},
		},
	}

	plan := NewStaticScheduler().Rebalance(view)
	assert.Empty(t, plan.Cessions)
	assert.Equal(t, []ledger.Transfer{{Worker: 1, Units: 51}, {Worker: 2, Units: 50}}, plan.Grants)

	view.Pool = 0
	assert.Equal(t, ledger.Plan{}, NewStaticScheduler().Rebalance(view))
}

func TestDynamicSchedulerWarmUp(t *testing.T) {
	now := time.Now()
	view := ledger.View{
		Now:     now,
		Started: now.Add(-500 * time.Millisecond),
		MinTime: time.Second,
		Workers: []ledger.WorkerRecord{
			{ID: 0, Assigned: 100, Done: 100, Reports: 1, Rate: 200, LastReport: now},
			{ID: 1, Assigned: 100, Done: 10, Reports: 1, Rate: 20, LastReport: now},
		},
	}
	assert.Equal(t, ledger.Plan{}, NewDynamicScheduler().Rebalance(view))

	// unmeasured workers fall back to static scheduling
	view.Started = now.Add(-time.Minute)
	view.Workers[1].Reports, view.Workers[1].Rate = 0, 0
	assert.Equal(t, ledger.Plan{}, NewDynamicScheduler().Rebalance(view))
}

func TestDynamicSchedulerBalanced(t *testing.T) {
	now := time.Now()
	view := ledger.View{
		Now:     now,
		Started: now.Add(-time.Minute),
		MinTime: time.Second,
		Workers: []ledger.WorkerRecord{
			{ID: 0, Assigned: 1000, Done: 500, Reports: 2, Rate: 100, LastReport: now},
			{ID: 1, Assigned: 600, Done: 350, Reports: 2, Rate: 50, LastReport: now},
		},
	}
	assert.Equal(t, ledger.Plan{}, NewDynamicScheduler().Rebalance(view))
}

func TestDynamicSchedulerDemand(t *testing.T) {
	now := time.Now()
	view := ledger.View{
		Now:     now,
		Started: now.Add(-time.Minute),
		MinTime: time.Second,
		Workers: []ledger.WorkerRecord{
			{ID: 0, Assigned: 1000, Done: 1000, Reports: 1, Rate: 100, LastReport: now},
			{ID: 1, Assigned: 300, Done: 200, Reports: 1, Rate: 20, LastReport: now, NextReport: now.Add(5 * time.Second)},
		},
	}

	// the slow worker is guarded, so the fast one asks for more
	plan := NewDynamicScheduler().Rebalance(view)
	assert.Empty(t, plan.Cessions)
	assert.Empty(t, plan.Grants)
	assert.EqualValues(t, 84, plan.Demand)
}

func TestDynamicSchedulerAllocationUpdated(t *testing.T) {
	const (
		checkInterval = 10 * time.Second
		minTime       = time.Second
	)
	clock := clockwork.NewFakeClock()
	l, err := ledger.New(2, 1, 0, 2000,
		ledger.WithClock(clock),
		ledger.WithRebalancer(NewDynamicScheduler()),
		ledger.WithCadence(NewReportScheduler(checkInterval, minTime, 0, 0)),
		ledger.WithMinTime(minTime))
	require.NoError(t, err)

	for id := 0; id < 2; id++ {
		delay, err := l.Start(id)
		require.NoError(t, err)
		assert.Equal(t, checkInterval/2, delay)
	}

	clock.Advance(checkInterval)
	_, err = l.RecordReport(1, 200)
	require.NoError(t, err)
	_, err = l.RecordReport(0, 1000)
	require.NoError(t, err)

	assert.EqualValues(t, 1667, l.Assigned(0))
	assert.EqualValues(t, 333, l.Assigned(1))
	assigned, _ := l.Totals()
	assert.EqualValues(t, 2000, assigned)
}

func TestDynamicSchedulerConverges(t *testing.T) {
	const (
		workers = 4
		target  = 20000
		minTime = time.Second
	)
	clock := clockwork.NewFakeClock()
	l, err := ledger.New(workers, 1, 0, target,
		ledger.WithClock(clock),
		ledger.WithRebalancer(NewDynamicScheduler()),
		ledger.WithCadence(NewReportScheduler(10*time.Second, minTime, 0, 0)),
		ledger.WithMinTime(minTime))
	require.NoError(t, err)

	rates := make([]uint64, workers)
	done := make([]uint64, workers)
	for id := range rates {
		rates[id] = uint64(rand.Intn(490) + 10)
		_, err := l.Start(id)
		require.NoError(t, err)
	}

	for step := 0; step < 100000 && !l.LocallyComplete(); step++ {
		clock.Advance(time.Duration(rand.Intn(900)+100) * time.Millisecond)
		id := rand.Intn(workers)
		done[id] = min(l.Assigned(id), done[id]+rates[id])
		_, err := l.RecordReport(id, done[id])
		require.NoError(t, err)

		snapshot := l.Snapshot()
		var assigned uint64
		for _, rec := range snapshot.Local.Workers {
			assert.LessOrEqual(t, rec.Done, rec.Assigned+rec.Provisional)
			assigned += rec.Assigned
		}
		assert.LessOrEqual(t, assigned, uint64(target))
	}

	assert.True(t, l.LocallyComplete())
	_, total := l.Totals()
	assert.EqualValues(t, target, total)
}

func TestDynamicSchedulerGuardFloor(t *testing.T) {
	const (
		target  = 50000
		minTime = 2 * time.Second
	)
	rates := []uint64{500, 400, 50, 20, 10}
	clock := clockwork.NewFakeClock()
	l, err := ledger.New(len(rates), 1, 0, target,
		ledger.WithClock(clock),
		ledger.WithRebalancer(New(DYNAMIC)),
		ledger.WithCadence(NewReportScheduler(10*time.Second, minTime, 0, 0)),
		ledger.WithMinTime(minTime))
	require.NoError(t, err)

	done := make([]uint64, len(rates))
	for id := range rates {
		_, err := l.Start(id)
		require.NoError(t, err)
	}

	var cessions int
	for step := 0; step < 100000 && !l.LocallyComplete(); step++ {
		clock.Advance(time.Duration(rand.Intn(900)+100) * time.Millisecond)
		id := rand.Intn(len(rates))
		before := l.Snapshot().Local.Workers

		done[id] = min(l.Assigned(id), done[id]+rates[id])
		_, err := l.RecordReport(id, done[id])
		require.NoError(t, err)

		now := clock.Now()
		for index, rec := range l.Snapshot().Local.Workers {
			prev := before[index]
			if prev.Assigned <= rec.Assigned {
				continue
			}
			cessions++

			// the donor as the rebalancer saw it
			view := rec
			view.Assigned, view.NextReport = prev.Assigned, prev.NextReport
			assert.GreaterOrEqual(t, rec.Assigned, max(view.Done, view.Projected(now)), "worker %d ceded below its projected completion", rec.ID)
			assert.GreaterOrEqual(t, rec.Assigned, min(prev.Assigned, view.Guard(now, minTime)), "worker %d ceded below its guard", rec.ID)
		}
	}

	assert.True(t, l.LocallyComplete())
	assert.Positive(t, cessions)
	_, total := l.Totals()
	assert.EqualValues(t, target, total)
}
