package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Routing metrics
	PacketsRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volery_packets_routed_total",
			Help: "Total number of packets routed by kind",
		},
		[]string{"kind"},
	)

	PacketsBouncedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volery_packets_bounced_total",
			Help: "Total number of packets bounced by kind",
		},
		[]string{"kind"},
	)

	PacketsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volery_packets_dropped_total",
			Help: "Total number of packets dropped by reason",
		},
		[]string{"reason"},
	)

	StartupQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "volery_startup_queue_depth",
			Help: "Packets held while the router is still starting up",
		},
	)

	// XDB correlator metrics
	XDBInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "volery_xdb_inflight_requests",
			Help: "Outstanding xdb requests across all caches",
		},
	)

	XDBTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "volery_xdb_timeouts_total",
			Help: "Total number of xdb requests that timed out",
		},
	)

	XDBRetransmitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "volery_xdb_retransmits_total",
			Help: "Total number of xdb requests retransmitted",
		},
	)

	// Resolver metrics
	DNSCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "volery_dns_cache_hits_total",
			Help: "Total number of DNS lookups answered from cache",
		},
	)

	DNSLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volery_dns_lookups_total",
			Help: "Total number of DNS lookups by outcome",
		},
		[]string{"outcome"},
	)

	DNSPendingDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "volery_dns_pending_hosts",
			Help: "Hostnames with an outstanding resolver request",
		},
	)

	DNSLookupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "volery_dns_lookup_duration_seconds",
			Help:    "Time taken to resolve one hostname in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Client manager metrics
	ClientSessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "volery_client_sessions_total",
			Help: "Active client sessions by state",
		},
		[]string{"state"},
	)

	ClientStanzasTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "volery_client_stanzas_total",
			Help: "Stanzas relayed for clients by direction",
		},
		[]string{"direction"},
	)
)

func init() {
	prometheus.MustRegister(PacketsRoutedTotal)
	prometheus.MustRegister(PacketsBouncedTotal)
	prometheus.MustRegister(PacketsDroppedTotal)
	prometheus.MustRegister(StartupQueueDepth)
	prometheus.MustRegister(XDBInFlight)
	prometheus.MustRegister(XDBTimeoutsTotal)
	prometheus.MustRegister(XDBRetransmitsTotal)
	prometheus.MustRegister(DNSCacheHitsTotal)
	prometheus.MustRegister(DNSLookupsTotal)
	prometheus.MustRegister(DNSPendingDepth)
	prometheus.MustRegister(DNSLookupDuration)
	prometheus.MustRegister(ClientSessionsTotal)
	prometheus.MustRegister(ClientStanzasTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}
