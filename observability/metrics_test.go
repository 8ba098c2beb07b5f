package observability_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/traceharbor/gateway/observability"
)

func TestNewMetricsCanBeConstructedMoreThanOnce(t *testing.T) {
	// Each Metrics owns its own registry, so building a second one (as every
	// test in this package implicitly does) must not panic on a duplicate
	// collector registration.
	m1 := observability.NewMetrics()
	m2 := observability.NewMetrics()

	m1.EventsIngested.WithLabelValues("tenant-a", "llm_call").Inc()
	m2.EventsIngested.WithLabelValues("tenant-b", "tool_call").Inc()
}

func TestHandlerServesRegisteredCounters(t *testing.T) {
	m := observability.NewMetrics()
	m.EventsIngested.WithLabelValues("tenant-a", "llm_call").Inc()
	m.EventsQuarantined.WithLabelValues("tenant-a").Add(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read metrics body: %v", err)
	}

	if !strings.Contains(string(body), "traceharbor_events_ingested_total") {
		t.Errorf("expected exposition to contain traceharbor_events_ingested_total, got:\n%s", body)
	}
	if !strings.Contains(string(body), "traceharbor_events_quarantined_total") {
		t.Errorf("expected exposition to contain traceharbor_events_quarantined_total, got:\n%s", body)
	}
}

func TestHandlerOmitsMetricsFromADifferentInstance(t *testing.T) {
	m1 := observability.NewMetrics()
	m2 := observability.NewMetrics()

	m1.OLTPUpsertRetries.Add(5)

	srv := httptest.NewServer(m2.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read metrics body: %v", err)
	}

	if strings.Contains(string(body), "traceharbor_oltp_upsert_retries_total 5") {
		t.Errorf("m2's handler unexpectedly exposed m1's counter value:\n%s", body)
	}
}
