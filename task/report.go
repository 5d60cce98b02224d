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

package task

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/9rum/leveler/internal/ledger"
	"github.com/olekukonko/tablewriter"
)

// EmitLocalReport writes the throughput of every local worker.
func (t *Task) EmitLocalReport(w io.Writer) error {
	snapshot := t.ledger.Snapshot()
	now := t.clock.Now()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"worker", "assigned", "done", "provisional", "reports", "rate", "elapsed"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)
	for _, rec := range snapshot.Local.Workers {
		table.Append([]string{
			strconv.Itoa(rec.ID),
			strconv.FormatUint(rec.Assigned, 10),
			strconv.FormatUint(rec.Done, 10),
			strconv.FormatUint(rec.Provisional, 10),
			strconv.Itoa(rec.Reports),
			formatRate(rec.Rate),
			rec.LastReport.Sub(snapshot.Started).Round(time.Millisecond).String(),
		})
	}
	table.SetFooter([]string{
		"total",
		strconv.FormatUint(snapshot.Local.TotalAssigned, 10),
		strconv.FormatUint(snapshot.Local.TotalDone, 10),
		"", "",
		formatRate(snapshot.Local.Rate),
		now.Sub(snapshot.Started).Round(time.Millisecond).String(),
	})
	table.Render()

	return nil
}

// EmitAggregateReport writes the throughput of every cooperating process as
// last seen by this process.
func (t *Task) EmitAggregateReport(w io.Writer) error {
	snapshot := t.ledger.Snapshot()
	if _, err := fmt.Fprintf(w, "target: %d processes: %d\n", snapshot.Target, t.ledger.Processes()); err != nil {
		return err
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"process", "share", "assigned", "done", "rate"})
	table.SetAlignment(tablewriter.ALIGN_RIGHT)

	processes := append([]ledger.ProcessLedger{snapshot.Local}, snapshot.Shadows...)
	sort.Slice(processes, func(i, j int) bool {
		return processes[i].ProcessID < processes[j].ProcessID
	})
	for _, p := range processes {
		table.Append([]string{
			strconv.Itoa(p.ProcessID),
			strconv.FormatUint(p.Share, 10),
			strconv.FormatUint(p.TotalAssigned, 10),
			strconv.FormatUint(p.TotalDone, 10),
			formatRate(p.Rate),
		})
	}
	table.Render()

	return nil
}

// formatRate formats a rate in units per second.
func formatRate(rate float64) string {
	return strconv.FormatFloat(rate, 'f', 2, 64) + "/s"
}
