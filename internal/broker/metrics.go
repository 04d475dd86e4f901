// Copyright 2026 The DeviceBroker Authors
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

package broker

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the broker's live state as Prometheus gauges/counters,
// mounted the way cmd/kafka-bridge/main.go mounts promhttp.Handler() on
// its own listener. Sample keeps the three gauges current; the five
// counters are registered but nothing in the broker increments them, so
// they stay at zero.
type Metrics struct {
	QueueDepth     prometheus.Gauge
	WorkersTotal   prometheus.Gauge
	WorkersIdle    prometheus.Gauge
	Dispatches     prometheus.Counter
	Timeouts       prometheus.Counter
	WorkerCrashes  prometheus.Counter
	ControlErrors  prometheus.Counter
	ReloadCount    prometheus.Counter
}

// NewMetrics registers the broker's metrics with reg and returns the
// handle used to update them from the reactor loop.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicebroker", Name: "queue_depth",
			Help: "Number of events currently tracked by the queue, queued or running.",
		}),
		WorkersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicebroker", Name: "workers_total",
			Help: "Current worker subprocess population.",
		}),
		WorkersIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "devicebroker", Name: "workers_idle",
			Help: "Current idle worker subprocess count.",
		}),
		Dispatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicebroker", Name: "dispatches_total",
			Help: "Events successfully handed to a worker.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicebroker", Name: "worker_timeouts_total",
			Help: "Workers killed for exceeding the fatal event timeout.",
		}),
		WorkerCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicebroker", Name: "worker_crashes_total",
			Help: "Workers that exited while still holding an event.",
		}),
		ControlErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicebroker", Name: "control_errors_total",
			Help: "Malformed or truncated control-socket messages, ignored.",
		}),
		ReloadCount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "devicebroker", Name: "reload_total",
			Help: "Rule-set reload cycles (workers killed, rules re-read lazily).",
		}),
	}
	reg.MustRegister(m.QueueDepth, m.WorkersTotal, m.WorkersIdle, m.Dispatches,
		m.Timeouts, m.WorkerCrashes, m.ControlErrors, m.ReloadCount)
	return m
}

// Sample updates the gauges from current broker state; called once per
// reactor iteration.
func (m *Metrics) Sample(q *EventQueue, p *WorkerPool) {
	m.QueueDepth.Set(float64(q.Len()))
	m.WorkersTotal.Set(float64(p.Size()))
	idle := 0
	for _, w := range p.Workers() {
		if w.State == WorkerIdle {
			idle++
		}
	}
	m.WorkersIdle.Set(float64(idle))
}
