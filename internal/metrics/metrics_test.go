package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	cases := map[int]string{
		100: "1xx",
		200: "2xx",
		201: "2xx",
		301: "3xx",
		404: "4xx",
		500: "5xx",
		503: "5xx",
	}
	for code, want := range cases {
		if got := statusBucket(code); got != want {
			t.Errorf("statusBucket(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestDisputesResolvedCounter(t *testing.T) {
	DisputesResolvedTotal.Reset()

	DisputesResolvedTotal.WithLabelValues("seller").Inc()
	DisputesResolvedTotal.WithLabelValues("seller").Inc()

	m := &dto.Metric{}
	counter, err := DisputesResolvedTotal.GetMetricWithLabelValues("seller")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 2.0 {
		t.Errorf("expected counter value 2, got %f", m.Counter.GetValue())
	}
}

func TestMetrics_Registered(t *testing.T) {
	// Verify the core metrics are registered with the default registry
	names := []string{
		"escrowd_http_requests_total",
		"escrowd_escrows_created_total",
		"escrowd_disputes_resolved_total",
		"escrowd_votes_cast_total",
		"escrowd_webhook_deliveries_total",
		"escrowd_active_websocket_clients",
	}

	gathered, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := make(map[string]bool)
	for _, mf := range gathered {
		found[mf.GetName()] = true
	}

	for _, name := range names {
		if !found[name] {
			// Counters with no observations are not gathered; that's fine
			t.Logf("metric %s not yet gathered (no data written)", name)
		}
	}
}
