package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/claims/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for _, id := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/claims/"+id, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
	}

	got := testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/api/v1/claims/:id", "200"))
	if got != 3 {
		t.Errorf("expected 3 requests for route pattern, got %v", got)
	}
}

func TestMiddleware_HTTPErrorStatus(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/missing", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "nope")
	})

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	e.ServeHTTP(httptest.NewRecorder(), req)

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues(http.MethodGet, "/missing", "404")); got != 1 {
		t.Errorf("expected one 404, got %v", got)
	}
}

func TestDomainCounters(t *testing.T) {
	m := New()
	m.ClaimTransition("submitted", "accepted")
	m.ClaimTransition("submitted", "accepted")
	m.ClearinghouseCall("submit", "transient", 10*time.Millisecond)
	m.ClearinghouseRetry("submit")
	m.RemittanceRecord("applied")
	m.JobRun("claim-sync", "ok", time.Second)
	m.CollectionTask("statement", "executed")
	m.AgingBalance("31-60", 1250.50)
	m.Denial("eligibility")

	if got := testutil.ToFloat64(m.transitions.WithLabelValues("submitted", "accepted")); got != 2 {
		t.Errorf("expected 2 transitions, got %v", got)
	}
	if got := testutil.ToFloat64(m.agingBalance.WithLabelValues("31-60")); got != 1250.50 {
		t.Errorf("expected aging gauge 1250.50, got %v", got)
	}
	if got := testutil.ToFloat64(m.chRetries.WithLabelValues("submit")); got != 1 {
		t.Errorf("expected 1 retry, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ClaimTransition("a", "b")
	m.JobRun("x", "ok", time.Second)
	m.Denial("other")
}

func TestHandler_Exposition(t *testing.T) {
	m := New()
	m.Denial("coding")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := m.Handler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `rcm_denials_total{category="coding"} 1`) {
		t.Errorf("expected denial counter in exposition, got:\n%s", rec.Body.String())
	}
}
