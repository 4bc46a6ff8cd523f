// Package metrics owns the Prometheus registry and the instrument families
// shared across services. Services receive *Metrics by injection and never
// register collectors themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the platform exports.
type Metrics struct {
	Registry *prometheus.Registry

	// Crawler
	FetchTotal      *prometheus.CounterVec // labels: outcome (success, error, retry)
	FetchDuration   prometheus.Histogram
	FetchBytes      prometheus.Counter
	RenderTotal     *prometheus.CounterVec // labels: outcome (success, error, timeout)
	RenderDuration  prometheus.Histogram
	FrontierDepth   *prometheus.GaugeVec // labels: tier
	LeaseRecoveries prometheus.Counter
	DedupVerdicts   *prometheus.CounterVec // labels: kind
	BloomFillRatio  prometheus.Gauge
	RateDenials     *prometheus.CounterVec // labels: scope (bucket, window)

	// Cache fabric
	CacheOps         *prometheus.CounterVec // labels: layer, op, outcome
	CachePromotions  prometheus.Counter
	CacheEvictions   *prometheus.CounterVec // labels: layer, reason
	InvalidationJobs *prometheus.CounterVec // labels: outcome
	BatchSize        prometheus.Histogram
	SyncMessages     *prometheus.CounterVec // labels: direction, strategy
	PeerHealth       prometheus.Gauge       // healthy peer count

	// Auth
	TokenOps     *prometheus.CounterVec // labels: type, op, outcome
	AuthFailures *prometheus.CounterVec // labels: reason
	SessionGauge prometheus.Gauge       // active session count (best effort)
}

// New builds the registry with runtime collectors plus every platform
// instrument.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		FetchTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aranea_fetch_total",
			Help: "Fetch attempts by outcome.",
		}, []string{"outcome"}),
		FetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aranea_fetch_duration_seconds",
			Help:    "Wall time of complete fetches including retries.",
			Buckets: prometheus.DefBuckets,
		}),
		FetchBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "aranea_fetch_bytes_total",
			Help: "Body bytes fetched.",
		}),
		RenderTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aranea_render_total",
			Help: "Headless renders by outcome.",
		}, []string{"outcome"}),
		RenderDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aranea_render_duration_seconds",
			Help:    "Wall time of headless renders.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		FrontierDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aranea_frontier_depth",
			Help: "Queued entries per priority tier.",
		}, []string{"tier"}),
		LeaseRecoveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "aranea_frontier_lease_recoveries_total",
			Help: "Entries reclaimed from expired leases.",
		}),
		DedupVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aranea_dedup_verdicts_total",
			Help: "Dedup checks by verdict kind.",
		}, []string{"kind"}),
		BloomFillRatio: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aranea_bloom_fill_ratio",
			Help: "Bloom filter count over capacity.",
		}),
		RateDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aranea_rate_denials_total",
			Help: "Rate governor denials by scope.",
		}, []string{"scope"}),

		CacheOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aranea_cache_ops_total",
			Help: "Cache operations by layer, op, and outcome.",
		}, []string{"layer", "op", "outcome"}),
		CachePromotions: factory.NewCounter(prometheus.CounterOpts{
			Name: "aranea_cache_promotions_total",
			Help: "Values promoted to higher layers after lower-layer hits.",
		}),
		CacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aranea_cache_evictions_total",
			Help: "Evictions by layer and reason (policy, expired).",
		}, []string{"layer", "reason"}),
		InvalidationJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aranea_invalidation_batches_total",
			Help: "Invalidation batch dispatches by outcome.",
		}, []string{"outcome"}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "aranea_invalidation_batch_size",
			Help:    "Events per dispatched invalidation batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100},
		}),
		SyncMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aranea_sync_messages_total",
			Help: "Sync bus messages by direction and strategy.",
		}, []string{"direction", "strategy"}),
		PeerHealth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aranea_sync_healthy_peers",
			Help: "Peers currently considered healthy.",
		}),

		TokenOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aranea_token_ops_total",
			Help: "Token operations by type, op, and outcome.",
		}, []string{"type", "op", "outcome"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aranea_auth_failures_total",
			Help: "Security failures by reason.",
		}, []string{"reason"}),
		SessionGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aranea_active_sessions",
			Help: "Active sessions last observed by the session service.",
		}),
	}
}
