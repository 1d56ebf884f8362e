package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	if c.registry == nil {
		t.Fatal("expected registry to be initialized")
	}
	if c.DispatchTotal == nil || c.DispatchDuration == nil || c.DispatchInFlight == nil {
		t.Fatal("expected dispatch vectors to be initialized")
	}
}

func TestCollector_NilIsSafe(t *testing.T) {
	var c *Collector
	c.DispatchStarted()
	c.DispatchFinished("sap_status", "success", time.Second)
	c.RecordRetries("sap_status", "shell", 2)
	c.ObserveLockWait("shell", time.Millisecond)
	c.RecordBackendCall("shell", "success")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil collector handler should 404, got %d", rec.Code)
	}
}

func TestCollector_RecordsDispatchLifecycle(t *testing.T) {
	c := NewCollector()
	c.DispatchStarted()
	c.DispatchFinished("sap_status", "success", 250*time.Millisecond)
	c.RecordRetries("sap_status", "shell", 2)
	c.ObserveLockWait("shell", 5*time.Millisecond)
	c.RecordBackendCall("shell", "success")

	body := scrape(t, c)
	for _, want := range []string{
		"sapops_dispatch_total",
		"sapops_dispatch_duration_seconds",
		"sapops_dispatch_retries_total",
		"sapops_target_lock_wait_seconds",
		"sapops_backend_calls_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
	if !strings.Contains(body, `operation="sap_status"`) || !strings.Contains(body, `status="success"`) {
		t.Error("dispatch counter labels missing")
	}
}

func TestCollector_InFlightGauge(t *testing.T) {
	c := NewCollector()
	c.DispatchStarted()
	c.DispatchStarted()
	c.DispatchFinished("sap_start", "failed", time.Second)

	if body := scrape(t, c); !strings.Contains(body, "sapops_dispatch_in_flight 1") {
		t.Error("expected one dispatch left in flight")
	}
}

func TestCollector_ZeroRetriesNotCounted(t *testing.T) {
	c := NewCollector()
	c.RecordRetries("sap_status", "shell", 0)

	if body := scrape(t, c); strings.Contains(body, "sapops_dispatch_retries_total{") {
		t.Error("a first-try success must not create a retry sample")
	}
}
