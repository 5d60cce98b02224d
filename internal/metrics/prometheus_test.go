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

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	p.ObserveReport(0, 1, 500, 25)
	p.ObserveAllocation(0, 1, 1200)
	p.ObserveRejected(0, 1)
	p.ObserveRejected(0, 1)
	p.ObserveTransfer("grant", 200)
	p.ObserveTransfer("grant", 0)
	p.ObserveCheckpoint(10*time.Millisecond, nil)
	p.ObserveExchange(time.Millisecond, errors.New("unreachable"))

	require.Equal(t, 500., testutil.ToFloat64(p.done.WithLabelValues("0", "1")))
	require.Equal(t, 25., testutil.ToFloat64(p.rate.WithLabelValues("0", "1")))
	require.Equal(t, 1200., testutil.ToFloat64(p.assigned.WithLabelValues("0", "1")))
	require.Equal(t, 2., testutil.ToFloat64(p.rejected.WithLabelValues("0", "1")))
	require.Equal(t, 200., testutil.ToFloat64(p.transfers.WithLabelValues("grant")))

	count, err := testutil.GatherAndCount(reg, "test_checkpoint_duration_seconds", "test_communicator_exchange_duration_seconds")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestNopCollector(t *testing.T) {
	var c Collector = NewNop()

	require.NotPanics(t, func() {
		c.ObserveReport(0, 0, 0, 0)
		c.ObserveRejected(-1, -1)
		c.ObserveAllocation(0, 0, 0)
		c.ObserveTransfer("cession", 1)
		c.ObserveCheckpoint(0, errors.New("boom"))
		c.ObserveExchange(0, nil)
	})
}
