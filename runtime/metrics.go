// Copyright 2024 The Dwell Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dwell-labs/dwell/pkg/actor"
	"github.com/dwell-labs/dwell/pkg/db"
	"github.com/dwell-labs/dwell/runtime/storage"
)

var (
	residentInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dwell",
			Subsystem: "runtime",
			Name:      "resident_instances",
			Help:      "Number of instances resident in memory.",
		})
	hibernations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dwell",
			Subsystem: "runtime",
			Name:      "hibernations_total",
			Help:      "Number of instances released into hibernation.",
		})
	evictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dwell",
			Subsystem: "runtime",
			Name:      "evictions_total",
			Help:      "Number of instances evicted for prolonged idleness.",
		})
	alarmFirings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dwell",
			Subsystem: "runtime",
			Name:      "alarm_firings_total",
			Help:      "Number of alarm firings dispatched.",
		})
	overloadRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dwell",
			Subsystem: "runtime",
			Name:      "overload_rejections_total",
			Help:      "Number of operations rejected by overload control.",
		}, []string{"reason"})
	activations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dwell",
			Subsystem: "runtime",
			Name:      "activations_total",
			Help:      "Number of instance activations.",
		})
	outputHoldDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dwell",
			Subsystem: "runtime",
			Name:      "output_hold_duration_seconds",
			Help:      "Time effects spend held on the output gate.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		})
)

var registry = prometheus.NewRegistry()

func init() {
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())

	actor.InitMetrics(registry)
	db.InitMetrics(registry)
	storage.InitMetrics(registry)
	InitMetrics(registry)
}

// MetricsRegistry returns the registry holding every dwell collector. A
// metrics endpoint serves it with promhttp.HandlerFor.
func MetricsRegistry() *prometheus.Registry {
	return registry
}

// InitMetrics registers runtime metrics.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(residentInstances)
	registry.MustRegister(hibernations)
	registry.MustRegister(evictions)
	registry.MustRegister(alarmFirings)
	registry.MustRegister(overloadRejections)
	registry.MustRegister(activations)
	registry.MustRegister(outputHoldDuration)
}
