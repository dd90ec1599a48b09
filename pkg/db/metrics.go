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

package db

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	dbWriteBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dwell",
		Subsystem: "db",
		Name:      "write_bytes_total",
		Help:      "The total number of write bytes by the db",
	}, []string{"id"})

	dbReadBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dwell",
		Subsystem: "db",
		Name:      "read_bytes_total",
		Help:      "The total number of read bytes by the db",
	}, []string{"id"})

	dbLevelCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dwell",
		Subsystem: "db",
		Name:      "level_count",
		Help:      "The number of files in each level by the db",
	}, []string{"level", "id"})

	dbWriteDelayDuration = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dwell",
		Subsystem: "db",
		Name:      "write_delay_seconds",
		Help:      "The duration of db write stalls in seconds",
	}, []string{"id"})

	dbWriteDelayCount = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dwell",
		Subsystem: "db",
		Name:      "write_delay_total",
		Help:      "The total number of db write stalls",
	}, []string{"id"})

	dbBlockCacheAccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dwell",
		Subsystem: "db",
		Name:      "block_cache_access_total",
		Help:      "The total number of db block cache accesses",
	}, []string{"id", "type"})
)

// InitMetrics registers all metrics in this file.
func InitMetrics(registry *prometheus.Registry) {
	registry.MustRegister(dbLevelCount)
	registry.MustRegister(dbWriteBytes)
	registry.MustRegister(dbReadBytes)
	registry.MustRegister(dbWriteDelayDuration)
	registry.MustRegister(dbWriteDelayCount)
	registry.MustRegister(dbBlockCacheAccess)
}
