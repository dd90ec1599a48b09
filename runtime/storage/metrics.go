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

package storage

import "github.com/prometheus/client_golang/prometheus"

var (
	commitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dwell",
			Subsystem: "storage",
			Name:      "commit_duration_seconds",
			Help:      "Duration of durable commits.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"id"})
	commitOps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dwell",
			Subsystem: "storage",
			Name:      "commit_ops",
			Help:      "Number of coalesced mutations per commit.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"id"})
)

// InitMetrics registers storage metrics.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(commitDuration)
	registry.MustRegister(commitOps)
}
