package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invd",
		Name:      "refreshes_total",
		Help:      "Refresh jobs by scope and terminal status.",
	}, []string{"scope", "status"})

	hostOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invd",
		Name:      "host_outcomes_total",
		Help:      "Per-host collection outcomes by terminal state.",
	}, []string{"state"})

	cacheServesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "invd",
		Name:      "cache_serves_total",
		Help:      "Snapshot serves by freshness path.",
	}, []string{"path"})

	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "invd",
		Name:      "active_jobs",
		Help:      "Refresh jobs currently in flight.",
	})

	collectDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "invd",
		Name:      "collect_duration_seconds",
		Help:      "Wall time of individual host collector calls.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)
