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

package metrics

import "time"

// NopCollector discards all observations.
type NopCollector struct{}

var _ Collector = (*NopCollector)(nil)

// NewNop creates a new no-op collector.
func NewNop() *NopCollector {
	return &NopCollector{}
}

func (*NopCollector) ObserveReport(int, int, uint64, float64) {}
func (*NopCollector) ObserveRejected(int, int)                {}
func (*NopCollector) ObserveAllocation(int, int, uint64)      {}
func (*NopCollector) ObserveTransfer(string, uint64)          {}
func (*NopCollector) ObserveCheckpoint(time.Duration, error)  {}
func (*NopCollector) ObserveExchange(time.Duration, error)    {}
