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
	"testing"
	"time"

	"github.com/9rum/leveler/internal/ledger"
	"github.com/stretchr/testify/assert"
)

func TestReportScheduler(t *testing.T) {
	r := NewReportScheduler(10*time.Second, time.Second, 0, 0)
	assert.Equal(t, 5*time.Second, r.First())

	tests := []struct {
		name   string
		record ledger.WorkerRecord
		want   time.Duration
	}{
		{"first report", ledger.WorkerRecord{Assigned: 1000, Done: 10, Reports: 1, Rate: 10}, 5 * time.Second},
		{"no rate", ledger.WorkerRecord{Assigned: 1000, Done: 10, Reports: 3}, 5 * time.Second},
		{"min report interval", ledger.WorkerRecord{Assigned: 1000, Done: 200, Reports: 3, Rate: 400}, time.Second},
		{"lower bound", ledger.WorkerRecord{Assigned: 1000, Done: 1000, Reports: 3, Rate: 100}, time.Second},
		{"upper bound", ledger.WorkerRecord{Assigned: 100000, Done: 0, Reports: 3, Rate: 10}, 5 * time.Second},
		{"in range", ledger.WorkerRecord{Assigned: 1600, Done: 400, Reports: 3, Rate: 100}, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Next(tt.record))
		})
	}
}

func TestReportSchedulerMinTime(t *testing.T) {
	r := NewReportScheduler(time.Second, 2*time.Second, 0, 0)
	assert.Equal(t, 2*time.Second, r.First())
	assert.Equal(t, 2*time.Second, r.Next(ledger.WorkerRecord{Assigned: 10, Reports: 5, Rate: 100}))
}
