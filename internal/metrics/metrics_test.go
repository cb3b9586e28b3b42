package metrics

import (
	"testing"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},
		{"/rst", "/rst"},
		{"/recovery/failures", "/recovery/failures"},
		{"/replicas", "/replicas"},
		{"/replicas/42", "/replicas/{data_id}"},
		{"/replicas/42/1", "/replicas/{data_id}/{replica_number}"},
		{"/replicas/42/1/repair", "/replicas/{data_id}/{replica_number}/repair"},
		{"/replicas/42/1/unknown", "/other"},
		{"/random", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	// Second call must not panic on duplicate registration.
	Register()

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPResponseSize.WithLabelValues("GET", "/rst").Observe(512)
	FinalizeTotal.WithLabelValues("committed").Inc()
	FinalizeDuration.Observe(0.02)
	ChecksumOperationsTotal.WithLabelValues("verify", "mismatch").Inc()
	ChecksumBytesTotal.Add(4096)
	SizeResolutionsTotal.WithLabelValues("recorded").Inc()
	CatalogPublishTotal.WithLabelValues("elevated", "success").Inc()
	StalePublishTotal.Inc()
	StalePublishFailuresTotal.Inc()
	RSTEntries.Set(3)
	HookInvocationsTotal.WithLabelValues("pep_data_obj_close_post", "ok").Inc()
	LockWaitSeconds.WithLabelValues("memory").Observe(0.0001)
}
