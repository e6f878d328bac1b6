// SPDX-License-Identifier: APACHE-2.0

package lfdb

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncPasses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lfdb_sync_passes_total",
		Help: "Number of completed sync passes",
	})
	queryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lfdb_query_duration_seconds",
		Help:    "Time it has taken to answer each query to the LF node",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
	}, []string{"result"})
	mergedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lfdb_merged_records_total",
		Help: "Number of records received from the LF node, by merge outcome",
	}, []string{"kind", "outcome"})
	watermarkSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lfdb_watermark_seconds",
		Help: "Start of the time range of the next query",
	})
)

var registerMetricsOnce sync.Once

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(syncPasses)
		prometheus.MustRegister(queryLatency)
		prometheus.MustRegister(mergedRecords)
		prometheus.MustRegister(watermarkSeconds)
	})
}
