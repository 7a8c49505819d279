package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsBody := scrape(t, metrics)
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestDomainCounters(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveTransition("purchase_order", "", "pending")
	metrics.ObserveTransition("purchase_order", "accepted", "partial")
	metrics.ObserveRetry("cancel_reorder")
	metrics.ObserveNotification("reorder", "rejected")
	metrics.ObserveLedgerMovement("sale", -3)
	metrics.ObserveLedgerMovement("purchase_receipt", 10)

	body := scrape(t, metrics)
	for _, want := range []string{
		`odyssey_order_transitions_total{from="none",order_type="purchase_order",to="pending"} 1`,
		`odyssey_order_transitions_total{from="accepted",order_type="purchase_order",to="partial"} 1`,
		`odyssey_concurrent_modification_retries_total{operation="cancel_reorder"} 1`,
		`odyssey_notifications_queued_total{order_type="reorder",state="rejected"} 1`,
		`odyssey_ledger_units_total{direction="out",type="sale"} 3`,
		`odyssey_ledger_units_total{direction="in",type="purchase_receipt"} 10`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in:\n%s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveTransition("reorder", "pending", "accepted")
	m.ObserveRetry("x")
	m.ObserveNotification("reorder", "created")
	m.ObserveLedgerMovement("sale", -1)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from nil metrics, got %d", rr.Code)
	}
}
