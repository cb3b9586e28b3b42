// Package metrics defines custom Prometheus metrics for VaultGrid.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for request/response size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864}

// Admin HTTP metrics (RED: Rate, Errors, Duration).
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgrid_http_requests_total",
			Help: "Total admin HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency in seconds by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultgrid_http_request_duration_seconds",
			Help:    "Admin request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPResponseSize observes response body size in bytes.
	HTTPResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultgrid_http_response_size_bytes",
			Help:    "Admin response body size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"method", "path"},
	)
)

// Finalize metrics.
var (
	// FinalizeTotal counts finalize attempts by terminal outcome
	// (committed, stale, aborted, error).
	FinalizeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgrid_finalize_total",
			Help: "Replica finalize attempts by outcome",
		},
		[]string{"outcome"},
	)

	// FinalizeDuration observes end-to-end finalize latency.
	FinalizeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vaultgrid_finalize_duration_seconds",
			Help:    "Replica finalize latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ChecksumOperationsTotal counts checksum operations by kind
	// (register, verify) and result (ok, mismatch, error).
	ChecksumOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgrid_checksum_operations_total",
			Help: "Checksum register/verify operations by result",
		},
		[]string{"operation", "result"},
	)

	// ChecksumBytesTotal counts bytes hashed.
	ChecksumBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultgrid_checksum_bytes_total",
			Help: "Total replica bytes read for checksum computation",
		},
	)

	// SizeResolutionsTotal counts size reconciler outcomes
	// (physical, recorded, mismatch, error).
	SizeResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgrid_size_resolutions_total",
			Help: "Size reconciler outcomes",
		},
		[]string{"result"},
	)

	// CatalogPublishTotal counts catalog publishes by privilege and result.
	CatalogPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgrid_catalog_publish_total",
			Help: "Catalog publish calls by privilege and result",
		},
		[]string{"privilege", "result"},
	)

	// StalePublishTotal counts stale-publish recovery attempts.
	StalePublishTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultgrid_stale_publish_total",
			Help: "Stale-publish recovery attempts",
		},
	)

	// StalePublishFailuresTotal counts recovery attempts whose elevated
	// publish also failed.
	StalePublishFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vaultgrid_stale_publish_failures_total",
			Help: "Stale-publish recovery attempts that failed; manual repair required",
		},
	)

	// RSTEntries tracks live replica state table entries.
	RSTEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vaultgrid_rst_entries",
			Help: "Live replica state table entries",
		},
	)

	// HookInvocationsTotal counts policy hook runs by hook name and result
	// (ok, nonzero, panic, unregistered).
	HookInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vaultgrid_hook_invocations_total",
			Help: "Policy hook invocations by result",
		},
		[]string{"hook", "result"},
	)

	// LockWaitSeconds observes time spent acquiring the logical object lock.
	LockWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vaultgrid_object_lock_wait_seconds",
			Help:    "Time spent waiting for the logical object lock",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from main) so that metrics
// registration can be made conditional on configuration. It is safe to call
// multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPResponseSize,
			FinalizeTotal,
			FinalizeDuration,
			ChecksumOperationsTotal,
			ChecksumBytesTotal,
			SizeResolutionsTotal,
			CatalogPublishTotal,
			StalePublishTotal,
			StalePublishFailuresTotal,
			RSTEntries,
			HookInvocationsTotal,
			LockWaitSeconds,
		)
		// Initialize the failure series so alerts can fire on the first
		// increment rather than on series appearance.
		FinalizeTotal.WithLabelValues("committed")
		FinalizeTotal.WithLabelValues("stale")
	})
}

// NormalizePath maps admin request paths to templates suitable for use as
// Prometheus labels, avoiding high-cardinality replica identifiers.
func NormalizePath(path string) string {
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics", "/openapi.json", "/rst", "/descriptors", "/recovery/failures", "/replicas":
		return path
	case "/docs", "/docs/":
		return "/docs"
	case "/", "":
		return "/"
	}

	if strings.HasPrefix(path, "/docs") {
		return "/docs"
	}

	if strings.HasPrefix(path, "/replicas/") {
		parts := strings.Split(strings.Trim(path, "/"), "/")
		switch {
		case len(parts) == 2:
			return "/replicas/{data_id}"
		case len(parts) == 3:
			return "/replicas/{data_id}/{replica_number}"
		case len(parts) == 4 && parts[3] == "repair":
			return "/replicas/{data_id}/{replica_number}/repair"
		}
	}
	return "/other"
}
