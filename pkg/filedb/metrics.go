// SPDX-License-Identifier: APACHE-2.0

package filedb

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"
)

var (
	recordWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filedb_record_writes_total",
		Help: "Number of record files written",
	}, []string{"kind"})
	persistenceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filedb_persistence_failures_total",
		Help: "Number of writes abandoned after the directory creation retry",
	}, []string{"kind"})
	presenceFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filedb_presence_flushes_total",
		Help: "Number of presence flushes that found dirty networks",
	})
	externalReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filedb_external_reloads_total",
		Help: "Number of records reloaded after an edit by another process",
	}, []string{"kind"})
)

var registerMetricsOnce sync.Once

func registerMetrics() {
	registerMetricsOnce.Do(func() {
		klog.Infof("Registering filedb metrics")
		prometheus.MustRegister(recordWrites)
		prometheus.MustRegister(persistenceFailures)
		prometheus.MustRegister(presenceFlushes)
		prometheus.MustRegister(externalReloads)
	})
}
