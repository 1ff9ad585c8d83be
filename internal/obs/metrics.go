package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by the whole API surface.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Authorization domain metrics.
var (
	sessionsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_sessions_created_total",
			Help: "Authorization sessions created, by transaction type.",
		},
		[]string{"transaction_type"},
	)

	sessionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_sessions_finished_total",
			Help: "Authorization sessions reaching a terminal state, by outcome.",
		},
		[]string{"outcome"},
	)

	authorizationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_officer_authorizations_total",
		Help: "Distinct officer authorizations recorded.",
	})

	credentialFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_credential_failures_total",
		Help: "Failed credential verifications.",
	})

	credentialLockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "authz_credential_lockouts_total",
		Help: "Credential attempts rejected by the rate limiter.",
	})

	pendingSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "authz_pending_sessions",
		Help: "Sessions currently awaiting signatures.",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		sessionsCreated, sessionsFinished, authorizationsTotal,
		credentialFailures, credentialLockouts, pendingSessions,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SessionCreated records one created session.
func SessionCreated(transactionType string) {
	sessionsCreated.WithLabelValues(transactionType).Inc()
	pendingSessions.Inc()
}

// SessionFinished records a terminal transition (approved, expired, cancelled).
func SessionFinished(outcome string) {
	sessionsFinished.WithLabelValues(outcome).Inc()
	pendingSessions.Dec()
}

// AuthorizationRecorded counts a newly recorded officer authorization.
func AuthorizationRecorded() { authorizationsTotal.Inc() }

// CredentialFailure counts one failed verification.
func CredentialFailure() { credentialFailures.Inc() }

// CredentialLockout counts one rate-limited attempt.
func CredentialLockout() { credentialLockouts.Inc() }

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
