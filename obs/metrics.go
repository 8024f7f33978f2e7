package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// CredentialsIssued counts minted credentials per kind.
	CredentialsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credentials_issued_total",
			Help: "Credentials minted, by kind.",
		},
		[]string{"kind"},
	)

	// CredentialRedemptions counts redeem attempts per kind and outcome.
	CredentialRedemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_redemptions_total",
			Help: "Credential redemption attempts, by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// ImportThrottled counts requests refused by the import rate limiter.
	ImportThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "import_throttled_total",
		Help: "Bulk import requests rejected by the per-key window.",
	})

	// MatchesUpserted counts match record writes by result (created|updated|skipped).
	MatchesUpserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matches_upserted_total",
			Help: "Match record upserts, by result.",
		},
		[]string{"result"},
	)

	// DisclosureBypass counts confirmations accepted without verifying the code.
	DisclosureBypass = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "disclosure_bypass_total",
		Help: "Access confirmations accepted because code verification is disabled.",
	})

	registerOnce sync.Once
)

// Register adds every collector to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight,
			httpRequestsTotal,
			httpRequestDuration,
			CredentialsIssued,
			CredentialRedemptions,
			ImportThrottled,
			MatchesUpserted,
			DisclosureBypass,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests. routeOf maps a
// request to a low-cardinality route label; nil falls back to the raw path.
func Instrument(routeOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpInFlight.Inc()
			defer httpInFlight.Dec()
			start := time.Now()

			sw := &StatusWriter{ResponseWriter: w, Code: http.StatusOK}
			next.ServeHTTP(sw, r)

			route := r.URL.Path
			if routeOf != nil {
				if rt := routeOf(r); rt != "" {
					route = rt
				}
			}
			status := strconv.Itoa(sw.Code)
			httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
			httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		})
	}
}

// StatusWriter captures the response code.
type StatusWriter struct {
	http.ResponseWriter
	Code int
}

func (w *StatusWriter) WriteHeader(code int) {
	w.Code = code
	w.ResponseWriter.WriteHeader(code)
}
