// Package metrics defines the Prometheus metrics exposed by the proxy.
// It keeps labels low-cardinality by design: no per-URL or per-client labels,
// only bounded dimensions (status, cache outcome, fetch outcome, eviction
// reason, tunnel direction).
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Admission gate (C1).
	gateActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_gate_active",
		Help: "Number of requests currently holding an admission slot",
	})
	gateQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_gate_queue_depth",
		Help: "Number of requests currently waiting for an admission slot",
	})
	gateTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_gate_timeouts_total",
		Help: "Total admission waits that exceeded their timeout",
	})
	gateWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxy_gate_wait_seconds",
		Help:    "Time spent waiting for an admission slot",
		Buckets: prometheus.DefBuckets,
	})

	// Content cache (C2).
	cacheRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_cache_requests_total",
		Help: "Cache lookups by outcome (hit/miss)",
	}, []string{"outcome"})
	cacheEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_cache_entries",
		Help: "Current number of entries held in the cache",
	})
	cacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_cache_bytes",
		Help: "Current total size in bytes of cached entries",
	})
	cacheEvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_cache_evictions_total",
		Help: "Cache entries removed, by reason (lru/expired/replaced)",
	}, []string{"reason"})

	// Outbound fetcher (C3).
	fetchRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_fetch_requests_total",
		Help: "Outbound fetch attempts by final outcome",
	}, []string{"outcome"})
	fetchRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_fetch_retries_total",
		Help: "Total retry attempts made against upstream origins",
	})
	fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "proxy_fetch_duration_seconds",
		Help:    "Outbound fetch duration, successful attempts only",
		Buckets: prometheus.DefBuckets,
	})

	// Request pipeline (C4).
	proxyResponsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_responses_total",
		Help: "Client-facing responses by status and cache outcome",
	}, []string{"status", "cache"})
	proxyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_request_duration_seconds",
		Help:    "End-to-end client request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"cache"})

	// Tunnel (C6).
	tunnelsOpenTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "proxy_tunnels_opened_total",
		Help: "Total CONNECT tunnels established",
	})
	tunnelBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_tunnel_bytes_total",
		Help: "Bytes relayed through tunnels, by direction",
	}, []string{"direction"})
)

func init() {
	prometheus.MustRegister(
		gateActive, gateQueueDepth, gateTimeouts, gateWaitSeconds,
		cacheRequestsTotal, cacheEntries, cacheBytes, cacheEvictionsTotal,
		fetchRequestsTotal, fetchRetriesTotal, fetchDuration,
		proxyResponsesTotal, proxyDuration,
		tunnelsOpenTotal, tunnelBytesTotal,
	)
}

// GateActiveSet reports the current number of admitted requests.
func GateActiveSet(n int) { gateActive.Set(float64(n)) }

// GateQueueDepthSet reports the current number of waiters.
func GateQueueDepthSet(n int) { gateQueueDepth.Set(float64(n)) }

// GateTimeoutInc records a waiter that timed out before admission.
func GateTimeoutInc() { gateTimeouts.Inc() }

// GateWaitObserve records how long a request waited before admission (zero if immediate).
func GateWaitObserve(d time.Duration) { gateWaitSeconds.Observe(d.Seconds()) }

// CacheHitInc records a cache hit.
func CacheHitInc() { cacheRequestsTotal.WithLabelValues("hit").Inc() }

// CacheMissInc records a cache miss.
func CacheMissInc() { cacheRequestsTotal.WithLabelValues("miss").Inc() }

// CacheEntriesSet reports the current entry count.
func CacheEntriesSet(n int) { cacheEntries.Set(float64(n)) }

// CacheBytesSet reports the current total cached bytes.
func CacheBytesSet(n int64) { cacheBytes.Set(float64(n)) }

// CacheEvictionInc records an eviction, labeled by reason ("lru", "expired", "replaced").
func CacheEvictionInc(reason string) { cacheEvictionsTotal.WithLabelValues(reason).Inc() }

// FetchOutcomeInc records a completed fetch attempt by outcome ("ok", "timeout", "unreachable", "too_large").
func FetchOutcomeInc(outcome string) { fetchRequestsTotal.WithLabelValues(outcome).Inc() }

// FetchRetryInc records one retry attempt.
func FetchRetryInc() { fetchRetriesTotal.Inc() }

// FetchDurationObserve records the duration of a successful fetch.
func FetchDurationObserve(d time.Duration) { fetchDuration.Observe(d.Seconds()) }

// ObserveResponse records the final client-facing response.
func ObserveResponse(status int, cache string, dur time.Duration) {
	proxyResponsesTotal.WithLabelValues(strconv.Itoa(status), cache).Inc()
	proxyDuration.WithLabelValues(cache).Observe(dur.Seconds())
}

// TunnelOpenedInc records a successfully established tunnel.
func TunnelOpenedInc() { tunnelsOpenTotal.Inc() }

// TunnelBytesAdd adds to the byte counter for a direction ("client_to_origin" or "origin_to_client").
func TunnelBytesAdd(direction string, n int64) { tunnelBytesTotal.WithLabelValues(direction).Add(float64(n)) }
