package simplevariants

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "simplevariants"

// Metrics holds the Prometheus collectors updated by the service.
type Metrics struct {
	VariantsGenerated  prometheus.Counter
	GenerationSkipped  prometheus.Counter
	GenerationRetries  prometheus.Counter
	GenerationFailures *prometheus.CounterVec
	GenerationDuration prometheus.Histogram
	GenerationInFlight prometheus.Gauge
	VariantsRemoved    prometheus.Counter
	ReconcileSubmitted prometheus.Counter
	VariantRepairs     prometheus.Counter
	SnapshotConflicts  prometheus.Counter
	ListingRequests    *prometheus.CounterVec
	LinksCreated       prometheus.Counter
	LinksExpired       prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg. A nil reg
// leaves them unregistered, which keeps tests independent of each other.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VariantsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "variants_generated_total",
			Help:      "Thumbnails rendered and stored.",
		}),
		GenerationSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generation_skipped_total",
			Help:      "Generation units dropped because the variant already existed under the key lock.",
		}),
		GenerationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generation_retries_total",
			Help:      "Generation attempts retried after a transient failure.",
		}),
		GenerationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "generation_failures_total",
			Help:      "Generation units that gave up, by failure kind.",
		}, []string{"kind"}),
		GenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "generation_duration_seconds",
			Help:      "Time spent rendering and storing one variant.",
			Buckets:   prometheus.DefBuckets,
		}),
		GenerationInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "generation_pending",
			Help:      "Generation units queued or running.",
		}),
		VariantsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "variants_removed_total",
			Help:      "Variants removed by the downgrade policy.",
		}),
		ReconcileSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconcile_submitted_total",
			Help:      "Generation units submitted by reconciliation.",
		}),
		VariantRepairs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "variant_repairs_total",
			Help:      "Absent granted variants requeued while building a listing.",
		}),
		SnapshotConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "snapshot_conflicts_total",
			Help:      "Entitlement snapshot saves that lost an optimistic concurrency race.",
		}),
		ListingRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "listing_requests_total",
			Help:      "Listing reads by cache result.",
		}, []string{"result"}),
		LinksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "links_created_total",
			Help:      "Expiring links issued.",
		}),
		LinksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "links_expired_total",
			Help:      "Link resolutions rejected as expired.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.VariantsGenerated,
			m.GenerationSkipped,
			m.GenerationRetries,
			m.GenerationFailures,
			m.GenerationDuration,
			m.GenerationInFlight,
			m.VariantsRemoved,
			m.ReconcileSubmitted,
			m.VariantRepairs,
			m.SnapshotConflicts,
			m.ListingRequests,
			m.LinksCreated,
			m.LinksExpired,
		)
	}
	return m
}
