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

// Package scheduler provides primitives for rebalancing work among workers
// whose throughput is unpredictable at runtime. In addition to static
// scheduling that keeps the initial even split, it supports a
// feedback-directed optimization that adaptively moves un-started work from
// slow workers to fast ones so that projected finish times converge.
package scheduler

import (
	"fmt"
	"math"
	"strings"

	"github.com/9rum/leveler/internal/ledger"
	"github.com/google/btree"
	"golang.org/x/exp/constraints"
)

// Kind selects a rebalancing policy.
type Kind int32

const (
	STATIC Kind = iota
	DYNAMIC
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case STATIC:
		return "static"
	case DYNAMIC:
		return "dynamic"
	default:
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
}

// ParseKind parses the name of a rebalancing policy.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(name) {
	case "static":
		return STATIC, nil
	case "dynamic", "":
		return DYNAMIC, nil
	default:
		return 0, fmt.Errorf("unknown scheduler kind %q", name)
	}
}

// New creates a new scheduler of the given kind.
func New(kind Kind) ledger.Rebalancer {
	switch kind {
	case STATIC:
		return NewStaticScheduler()
	case DYNAMIC:
		return NewDynamicScheduler()
	default:
		panic("invalid type")
	}
}

// ceil returns the least integer value greater than or equal to numerator / denominator.
// This is an alternative to the Ceil function in the standard math package.
func ceil[T constraints.Integer](numerator, denominator T) T {
	if numerator%denominator == 0 {
		return numerator / denominator
	}
	return numerator/denominator + 1
}

// Equalize splits total units proportionally to the given rates so that every
// part would be completed at the same time. Units lost to rounding go to the
// fastest parts, ties broken by index. Without any rate the split is even.
func Equalize(rates []float64, total uint64) []uint64 {
	var sum float64
	for _, rate := range rates {
		sum += max(rate, 0)
	}
	if sum <= 0 {
		return ledger.Partition(total, len(rates))
	}

	out := make([]uint64, len(rates))
	var assigned uint64
	for index, rate := range rates {
		out[index] = uint64(math.Floor(float64(total) * max(rate, 0) / sum))
		assigned += out[index]
	}

	order := btree.NewG[candidate](2, byRate)
	for index, rate := range rates {
		order.ReplaceOrInsert(candidate{id: index, rate: rate})
	}
	for leftover := total - min(total, assigned); 0 < leftover; {
		order.Ascend(func(c candidate) bool {
			if leftover == 0 {
				return false
			}
			out[c.id]++
			leftover--
			return true
		})
	}

	return out
}

// candidate orders workers for a rebalancing pass.
type candidate struct {
	id        int
	rate      float64
	eta       float64
	remaining uint64
	keep      uint64
	done      bool
}

// byRate orders the fastest first, ties broken by id.
func byRate(a, b candidate) bool {
	if a.rate == b.rate {
		return a.id < b.id
	}
	return a.rate > b.rate
}

// byETA orders the latest projected finish first, ties broken by id.
func byETA(a, b candidate) bool {
	if a.eta == b.eta {
		return a.id < b.id
	}
	return a.eta > b.eta
}

// StaticScheduler keeps the initial even split, which suits a group of workers
// with similar performance (e.g., homogeneous cluster). Units that become
// available in the process share are handed to locally done workers in
// worker-id order.
type StaticScheduler struct{}

// NewStaticScheduler creates a new static scheduler.
func NewStaticScheduler() *StaticScheduler {
	return &StaticScheduler{}
}

func (s *StaticScheduler) Rebalance(view ledger.View) (plan ledger.Plan) {
	if view.Pool == 0 {
		return
	}

	idle := 0
	for _, rec := range view.Workers {
		if rec.LocallyDone() {
			idle++
		}
	}
	if idle == 0 {
		return
	}

	pool, chunk := view.Pool, ceil(view.Pool, uint64(idle))
	for _, rec := range view.Workers {
		if pool == 0 {
			break
		}
		if rec.LocallyDone() {
			units := min(pool, chunk)
			plan.Grants = append(plan.Grants, ledger.Transfer{Worker: rec.ID, Units: units})
			pool -= units
		}
	}

	return
}

// DynamicScheduler provides a feedback-directed optimization. It adaptively
// adjusts the allocation of each worker from its measured rate, which can be
// useful in heterogeneous clusters where the workers have different compute
// capabilities or their speed varies over time.
type DynamicScheduler struct {
	static StaticScheduler
}

// NewDynamicScheduler creates a new dynamic scheduler.
func NewDynamicScheduler() *DynamicScheduler {
	return &DynamicScheduler{}
}

// Rebalance equalizes the projected finish times. The remaining work of the
// measured workers plus the unallocated share is split proportionally to the
// measured rates; workers projected to finish late cede un-started units down
// to their guard, and the units go to the workers projected to run out first,
// fastest first. Until every worker has a throughput sample and the minimum
// decision time has elapsed, it falls back to static scheduling.
func (s *DynamicScheduler) Rebalance(view ledger.View) (plan ledger.Plan) {
	if view.Now.Sub(view.Started) < view.MinTime {
		return
	}
	for _, rec := range view.Workers {
		if !rec.Measured() {
			return s.static.Rebalance(view)
		}
	}

	candidates := make([]candidate, 0, len(view.Workers))
	rates := make([]float64, 0, len(view.Workers))
	total := view.Pool
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, rec := range view.Workers {
		projected := rec.Projected(view.Now)
		c := candidate{
			id:        rec.ID,
			rate:      rec.Rate,
			eta:       rec.ETA(view.Now).Seconds(),
			remaining: rec.Assigned - min(rec.Assigned, projected),
			done:      rec.LocallyDone(),
		}
		if guard := rec.Guard(view.Now, view.MinTime); projected < guard {
			c.keep = min(c.remaining, guard-projected)
		}
		lo, hi = min(lo, c.eta), max(hi, c.eta)
		total += c.remaining
		candidates = append(candidates, c)
		rates = append(rates, c.rate)
	}

	// projected finish times are already close enough
	if view.Pool == 0 && hi-lo < view.MinTime.Seconds() {
		return
	}

	ideal := Equalize(rates, total)

	recipients := btree.NewG[candidate](2, byRate)
	donors := btree.NewG[candidate](2, byETA)
	var want uint64
	for index, c := range candidates {
		switch {
		case c.remaining < ideal[index]:
			recipients.ReplaceOrInsert(c)
			want += ideal[index] - c.remaining
		case max(ideal[index], c.keep) < c.remaining:
			donors.ReplaceOrInsert(c)
		}
	}
	if want == 0 {
		return
	}

	// cede only what the unallocated share cannot cover
	need := want - min(want, view.Pool)
	available := view.Pool
	donors.Ascend(func(c candidate) bool {
		if need == 0 {
			return false
		}
		units := min(c.remaining-max(ideal[indexOf(candidates, c.id)], c.keep), need)
		plan.Cessions = append(plan.Cessions, ledger.Transfer{Worker: c.id, Units: units})
		need -= units
		available += units
		return true
	})

	recipients.Ascend(func(c candidate) bool {
		units := ideal[indexOf(candidates, c.id)] - c.remaining
		granted := min(units, available)
		if 0 < granted {
			plan.Grants = append(plan.Grants, ledger.Transfer{Worker: c.id, Units: granted})
			available -= granted
		}
		if granted < units && c.done {
			plan.Demand += units - granted
		}
		return true
	})

	return
}

// indexOf returns the position of the candidate with the given id.
func indexOf(candidates []candidate, id int) int {
	for index, c := range candidates {
		if c.id == id {
			return index
		}
	}
	return -1
}
