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

// Package metrics provides collectors for the engine's throughput and
// coordination metrics. NewNop discards everything; NewPrometheus exports
// the metrics through a Prometheus registerer.
package metrics

import "time"

// Collector receives the engine's observations.
// All implementations must be safe for concurrent use.
type Collector interface {
	// ObserveReport is called for every accepted progress report.
	ObserveReport(process, worker int, done uint64, rate float64)

	// ObserveRejected is called for every rejected progress report.
	ObserveRejected(process, worker int)

	// ObserveAllocation is called whenever the allocation of a worker changes.
	ObserveAllocation(process, worker int, assigned uint64)

	// ObserveTransfer is called for units moved by a grant, a cession, a
	// reclaim or a provisional padding.
	ObserveTransfer(kind string, units uint64)

	// ObserveCheckpoint is called after every checkpoint attempt.
	ObserveCheckpoint(duration time.Duration, err error)

	// ObserveExchange is called after every exchange with the coordinator.
	ObserveExchange(duration time.Duration, err error)
}
