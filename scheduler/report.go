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
	"time"

	"github.com/9rum/leveler/internal/ledger"
)

const (
	defaultMinReportInterval       = time.Second
	defaultReportsPerRemainingWork = 4.
)

// ReportScheduler decides how long a worker may run until its next mandatory
// report: frequent enough to catch imbalance early, sparse enough to amortize
// the synchronization cost.
type ReportScheduler struct {
	checkInterval           time.Duration
	minTime                 time.Duration
	minReportInterval       time.Duration
	reportsPerRemainingWork float64
}

// NewReportScheduler creates a new report scheduler with the given arguments.
// Non-positive optional arguments fall back to their defaults.
func NewReportScheduler(checkInterval, minTime, minReportInterval time.Duration, reportsPerRemainingWork float64) *ReportScheduler {
	if minReportInterval <= 0 {
		minReportInterval = defaultMinReportInterval
	}
	if reportsPerRemainingWork <= 0 {
		reportsPerRemainingWork = defaultReportsPerRemainingWork
	}
	return &ReportScheduler{
		checkInterval:           checkInterval,
		minTime:                 minTime,
		minReportInterval:       minReportInterval,
		reportsPerRemainingWork: reportsPerRemainingWork,
	}
}

// First returns half the checkpoint interval; no rate is known yet.
func (r *ReportScheduler) First() time.Duration {
	return r.ceiling()
}

// Next returns the delay after an accepted report, proportional to the time
// the worker needs to finish its remaining work.
func (r *ReportScheduler) Next(record ledger.WorkerRecord) time.Duration {
	if record.Reports <= 1 || record.Rate <= 0 {
		return r.First()
	}
	seconds := float64(record.Remaining()) / record.Rate / r.reportsPerRemainingWork
	delay := max(r.minReportInterval, time.Duration(seconds*float64(time.Second)))

	return min(max(delay, r.minTime), r.ceiling())
}

// ceiling returns the upper bound of a report delay.
func (r *ReportScheduler) ceiling() time.Duration {
	return max(r.minTime, r.checkInterval/2)
}
