// Package metrics exposes Prometheus collectors for the fleet coordinator.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fleetJobsTotal              *prometheus.CounterVec
	fleetClaimsTotal            *prometheus.CounterVec
	fleetHeartbeatsTotal        *prometheus.CounterVec
	fleetLeaseExpiriesTotal     prometheus.Counter
	fleetPagesTotal             *prometheus.CounterVec
	fleetScrapeDurationSeconds  *prometheus.HistogramVec
	fleetIdentityRotationsTotal *prometheus.CounterVec
	fleetSessionRotationsTotal  *prometheus.CounterVec
	fleetHealthyIdentities      prometheus.Gauge
	fleetAvailableSessions      prometheus.Gauge
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fleetJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_jobs_total",
				Help: "Total number of job transitions, labeled by status.",
			},
			[]string{"status"},
		)

		fleetClaimsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_claims_total",
				Help: "Total number of claim attempts, labeled by result.",
			},
			[]string{"result"},
		)

		fleetHeartbeatsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_heartbeats_total",
				Help: "Total number of heartbeats recorded, labeled by worker.",
			},
			[]string{"worker"},
		)

		fleetLeaseExpiriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_lease_expiries_total",
				Help: "Total number of expired leases reclaimed by the sweeper.",
			},
		)

		fleetPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_pages_total",
				Help: "Total number of content pages fetched, labeled by subject and status.",
			},
			[]string{"subject", "status"},
		)

		fleetScrapeDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_scrape_duration_seconds",
				Help:    "Histogram of full-job scrape durations, labeled by outcome.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"outcome"},
		)

		fleetIdentityRotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_identity_rotations_total",
				Help: "Total number of identity rotations, labeled by reason.",
			},
			[]string{"reason"},
		)

		fleetSessionRotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_session_rotations_total",
				Help: "Total number of session rotations, labeled by reason.",
			},
			[]string{"reason"},
		)

		fleetHealthyIdentities = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_healthy_identities",
				Help: "Number of backend identities currently healthy.",
			},
		)

		fleetAvailableSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_available_sessions",
				Help: "Number of sessions currently available for acquisition.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	fleetJobsTotal.WithLabelValues(status).Inc()
}

// ObserveClaim increments the claim counter for the given result.
func ObserveClaim(result string) {
	fleetClaimsTotal.WithLabelValues(result).Inc()
}

// ObserveHeartbeat increments the heartbeat counter for the given worker.
func ObserveHeartbeat(workerID string) {
	fleetHeartbeatsTotal.WithLabelValues(workerID).Inc()
}

// ObserveLeaseExpiry increments the reclaimed lease counter.
func ObserveLeaseExpiry() {
	fleetLeaseExpiriesTotal.Inc()
}

// ObservePage increments the page counter for the given subject and status.
func ObservePage(subject, status string) {
	fleetPagesTotal.WithLabelValues(subject, status).Inc()
}

// ObserveScrapeDuration records the duration of a full job scrape.
func ObserveScrapeDuration(outcome string, duration time.Duration) {
	fleetScrapeDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveIdentityRotation increments the identity rotation counter.
func ObserveIdentityRotation(reason string) {
	fleetIdentityRotationsTotal.WithLabelValues(reason).Inc()
}

// ObserveSessionRotation increments the session rotation counter.
func ObserveSessionRotation(reason string) {
	fleetSessionRotationsTotal.WithLabelValues(reason).Inc()
}

// SetHealthyIdentities sets the healthy identity gauge.
func SetHealthyIdentities(n int) {
	fleetHealthyIdentities.Set(float64(n))
}

// SetAvailableSessions sets the available session gauge.
func SetAvailableSessions(n int) {
	fleetAvailableSessions.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
