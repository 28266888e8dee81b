// Package metrics provides Prometheus instrumentation for the voltrust service.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voltrust"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CheckInsTotal counts attendance samples by kind (check_in, check_out) and result.
	CheckInsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attendance_samples_total",
			Help:      "Attendance samples recorded by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// GeofenceFlagsTotal counts flags raised by geofence and speed checks.
	GeofenceFlagsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geofence_flags_total",
			Help:      "Flags raised on attendance samples.",
		},
		[]string{"flag"},
	)

	// HourTransitionsTotal counts hour entry lifecycle transitions by resulting status.
	HourTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hour_transitions_total",
			Help:      "Hour entry transitions by resulting status.",
		},
		[]string{"status"},
	)

	// HourRiskScore observes hour entry risk scores at submission.
	HourRiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "hour_risk_score",
		Help:      "Risk score (0-10) of submitted hour entries.",
		Buckets:   []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	})

	// DisputesTotal counts dispute actions (opened, investigating, resolved, dismissed).
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_total",
			Help:      "Dispute actions by kind.",
		},
		[]string{"action"},
	)

	// ModerationDecisionsTotal counts moderation outcomes by subject and decision.
	ModerationDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moderation_decisions_total",
			Help:      "Moderation decisions by subject kind and decision.",
		},
		[]string{"subject", "decision"},
	)

	// CertificatesIssuedTotal counts certificates issued.
	CertificatesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "certificates_issued_total",
		Help:      "Total certificates issued.",
	})

	// CertificatesRevokedTotal counts certificates revoked.
	CertificatesRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "certificates_revoked_total",
		Help:      "Total certificates revoked.",
	})

	// IssuanceRejectedTotal counts issuance attempts refused, by reason.
	IssuanceRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificate_issuance_rejected_total",
			Help:      "Certificate issuance attempts refused, by reason.",
		},
		[]string{"reason"},
	)

	// VerificationsTotal counts verification results by outcome reason.
	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificate_verifications_total",
			Help:      "Certificate verifications by result (valid, tamper, revoked, timeout, ...).",
		},
		[]string{"result"},
	)

	// VerificationDuration observes verification latency.
	VerificationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "certificate_verification_duration_seconds",
		Help:      "Certificate verification duration in seconds.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2, 5},
	})

	// AnchorsTotal counts anchoring attempts by result.
	AnchorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificate_anchors_total",
			Help:      "Certificate anchoring attempts by result.",
		},
		[]string{"result"},
	)

	// PendingAnchors tracks certificates awaiting anchoring.
	PendingAnchors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "certificate_pending_anchors",
		Help:      "Certificates whose anchoring has not yet succeeded.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CheckInsTotal,
		GeofenceFlagsTotal,
		HourTransitionsTotal,
		HourRiskScore,
		DisputesTotal,
		ModerationDecisionsTotal,
		CertificatesIssuedTotal,
		CertificatesRevokedTotal,
		IssuanceRejectedTotal,
		VerificationsTotal,
		VerificationDuration,
		AnchorsTotal,
		PendingAnchors,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern keeps cardinality bounded
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
