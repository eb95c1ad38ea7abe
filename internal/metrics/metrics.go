// Package metrics provides Prometheus metrics for the sharedav server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedav_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharedav_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedav_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"method", "result"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharedav_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharedav_db_connections_open",
			Help: "Number of open database connections",
		},
	)

	// Sharing metrics
	shareLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedav_share_lookups_total",
			Help: "Share backend lookups issued while answering PROPFIND",
		},
		[]string{"share_type"},
	)

	shareCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedav_share_cache_total",
			Help: "Request-scoped share cache lookups",
		},
		[]string{"result"},
	)

	sharePrefetchChildren = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sharedav_share_prefetch_children",
			Help:    "Number of children prefetched per directory listing",
			Buckets: prometheus.ExponentialBuckets(1, 4, 7),
		},
	)

	permissionChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharedav_permission_checks_total",
			Help: "Total DAV permission checks",
		},
		[]string{"result"},
	)

	// Storage backend metrics
	storageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharedav_storage_operation_duration_seconds",
			Help:    "Content storage operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation", "status"},
	)

	// Content transfer metrics
	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sharedav_content_bytes_uploaded_total",
			Help: "Total bytes uploaded through WebDAV",
		},
	)
)

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(method string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	authAttemptsTotal.WithLabelValues(method, result).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// SetDBConnectionsOpen sets the number of open DB connections.
func SetDBConnectionsOpen(n int) {
	dbConnectionsOpen.Set(float64(n))
}

// RecordShareLookup records one bounded share lookup for a share type.
func RecordShareLookup(shareType int) {
	shareLookupsTotal.WithLabelValues(strconv.Itoa(shareType)).Inc()
}

// RecordShareCache records a request-scoped share cache hit or miss.
func RecordShareCache(hit bool) {
	if hit {
		shareCacheTotal.WithLabelValues("hit").Inc()
	} else {
		shareCacheTotal.WithLabelValues("miss").Inc()
	}
}

// RecordSharePrefetch records how many children were prefetched.
func RecordSharePrefetch(children int) {
	sharePrefetchChildren.Observe(float64(children))
}

// RecordPermissionCheck records a permission check result.
func RecordPermissionCheck(allowed bool) {
	if allowed {
		permissionChecksTotal.WithLabelValues("allowed").Inc()
	} else {
		permissionChecksTotal.WithLabelValues("denied").Inc()
	}
}

// RecordStorageOperation records a content storage operation.
func RecordStorageOperation(backend, operation string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	storageOperationDuration.WithLabelValues(backend, operation, status).Observe(duration.Seconds())
}

// RecordUpload records bytes uploaded.
func RecordUpload(bytes int64) {
	contentBytesUploaded.Add(float64(bytes))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusRecorder wraps ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		RecordHTTPRequest(r.Method, rec.status, time.Since(start))
	})
}
