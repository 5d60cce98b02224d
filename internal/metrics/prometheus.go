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
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements Collector backed by Prometheus.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	done        *prometheus.GaugeVec
	rate        *prometheus.GaugeVec
	assigned    *prometheus.GaugeVec
	rejected    *prometheus.CounterVec
	transfers   *prometheus.CounterVec
	checkpoints *prometheus.HistogramVec
	exchanges   *prometheus.HistogramVec
}

var _ Collector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed collector. A nil registerer
// falls back to prometheus.DefaultRegisterer and an empty namespace to
// "leveler".
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "leveler"
	}
	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.done = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "ledger",
			Name:      "done_units",
			Help:      "Completed work units reported by each worker.",
		}, []string{"process", "worker"})

		p.rate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "ledger",
			Name:      "rate_units_per_second",
			Help:      "Measured throughput of each worker.",
		}, []string{"process", "worker"})

		p.assigned = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "ledger",
			Name:      "assigned_units",
			Help:      "Confirmed allocation of each worker.",
		}, []string{"process", "worker"})

		p.rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "ledger",
			Name:      "stale_reports_total",
			Help:      "Progress reports rejected for regressing.",
		}, []string{"process", "worker"})

		p.transfers = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "rebalancer",
			Name:      "transferred_units_total",
			Help:      "Units moved by kind of transfer.",
		}, []string{"kind"})

		p.checkpoints = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "checkpoint",
			Name:      "duration_seconds",
			Help:      "Checkpoint latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"})

		p.exchanges = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "communicator",
			Name:      "exchange_duration_seconds",
			Help:      "Coordinator exchange latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"})

		p.reg.MustRegister(p.done, p.rate, p.assigned, p.rejected, p.transfers, p.checkpoints, p.exchanges)
	})
}

func (p *PrometheusCollector) ObserveReport(process, worker int, done uint64, rate float64) {
	p.ensureRegistered()
	labels := []string{strconv.Itoa(process), strconv.Itoa(worker)}
	p.done.WithLabelValues(labels...).Set(float64(done))
	p.rate.WithLabelValues(labels...).Set(rate)
}

func (p *PrometheusCollector) ObserveRejected(process, worker int) {
	p.ensureRegistered()
	p.rejected.WithLabelValues(strconv.Itoa(process), strconv.Itoa(worker)).Inc()
}

func (p *PrometheusCollector) ObserveAllocation(process, worker int, assigned uint64) {
	p.ensureRegistered()
	p.assigned.WithLabelValues(strconv.Itoa(process), strconv.Itoa(worker)).Set(float64(assigned))
}

func (p *PrometheusCollector) ObserveTransfer(kind string, units uint64) {
	if units == 0 {
		return
	}
	p.ensureRegistered()
	p.transfers.WithLabelValues(kind).Add(float64(units))
}

func (p *PrometheusCollector) ObserveCheckpoint(duration time.Duration, err error) {
	p.ensureRegistered()
	p.checkpoints.WithLabelValues(outcome(err)).Observe(duration.Seconds())
}

func (p *PrometheusCollector) ObserveExchange(duration time.Duration, err error) {
	p.ensureRegistered()
	p.exchanges.WithLabelValues(outcome(err)).Observe(duration.Seconds())
}

// outcome labels an operation by its error.
func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
