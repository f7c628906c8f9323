// Package metrics exposes the verifier's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meld_challenges_issued_total",
			Help: "Total authentication challenges issued",
		},
	)

	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meld_verifications_total",
			Help: "Verification outcomes by status and reject code",
		},
		[]string{"status", "code"},
	)

	replayRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "meld_replay_rejections_total",
			Help: "Verifications rejected by the replay guard",
		},
	)

	rateLimitDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meld_rate_limit_drops_total",
			Help: "Requests dropped by rate limiting, by layer",
		},
		[]string{"layer"},
	)

	revocationRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meld_revocation_refresh_total",
			Help: "Revocation list refresh outcomes",
		},
		[]string{"outcome"},
	)

	revocationListVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "meld_revocation_list_version",
			Help: "Version of the revocation list currently in effect",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meld_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meld_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func ChallengeIssued() { challengesIssuedTotal.Inc() }

func VerificationAccepted() { verificationsTotal.WithLabelValues("verified", "").Inc() }

func VerificationRejected(code string) {
	verificationsTotal.WithLabelValues("rejected", code).Inc()
}

func ReplayRejected() { replayRejectionsTotal.Inc() }

func RateLimitDrop(layer string) { rateLimitDropsTotal.WithLabelValues(layer).Inc() }

func RefreshSucceeded() { revocationRefreshTotal.WithLabelValues("ok").Inc() }
func RefreshFailed()    { revocationRefreshTotal.WithLabelValues("error").Inc() }

func SetRevocationListVersion(v int) { revocationListVersion.Set(float64(v)) }

// HTTPMiddleware records per-route counters and latency. Paths are taken
// from the mux route template to keep label cardinality bounded.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}
