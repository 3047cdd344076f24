package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kgbridge_events_total",
		Help: "Change events received from the source store.",
	})

	metricSourceErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kgbridge_source_errors_total",
		Help: "Errors reported by the source event subscription.",
	})

	metricSyncsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kgbridge_syncs_total",
		Help: "Completed document syncs by outcome.",
	}, []string{"outcome"})

	metricSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kgbridge_sync_duration_seconds",
		Help:    "Wall time of one document sync, claim to completion.",
		Buckets: prometheus.DefBuckets,
	})

	metricDirtyRequeues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kgbridge_dirty_requeues_total",
		Help: "Follow-up syncs scheduled because events arrived mid-flight.",
	})

	metricReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kgbridge_reconcile_runs_total",
		Help: "Reconciliation passes executed.",
	})

	metricReclaimedClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kgbridge_reclaimed_claims_total",
		Help: "Expired in-flight claims returned to the queue.",
	})
)
