// Package telemetry exposes Prometheus collectors for the sync core and
// a lightweight request-timing middleware. Collectors are registered on
// the default registry and served via promhttp at /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_cache_hits_total",
		Help: "Cache lookups served from memory.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_cache_misses_total",
		Help: "Cache lookups that missed or hit an expired entry.",
	})
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_cache_evictions_total",
		Help: "Entries evicted because the cache was at capacity.",
	})

	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_ratelimit_rejections_total",
		Help: "Requests rejected by the fixed-window limiter.",
	})

	EventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_realtime_events_published_total",
		Help: "Change events handed to the realtime hub.",
	})
	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_realtime_events_duplicate_total",
		Help: "Events dropped because their id was already seen by a subscription.",
	})
	EventsSelfSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_realtime_events_self_skipped_total",
		Help: "Events dropped because the subscriber authored them.",
	})

	SendsConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_sends_confirmed_total",
		Help: "Optimistic sends confirmed by the store.",
	})
	SendsRolledBack = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supportchat_sends_rolled_back_total",
		Help: "Optimistic sends rolled back after a store failure.",
	})
)
