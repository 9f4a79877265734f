package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestRunChecks_AllHealthy(t *testing.T) {
	checks := map[string]Check{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return nil },
	}
	results, ok := RunChecks(context.Background(), checks, time.Second)
	if !ok {
		t.Fatal("expected healthy")
	}
	if len(results) != 2 || results[0].Name != "postgres" || results[1].Name != "redis" {
		t.Errorf("expected results sorted by name, got %+v", results)
	}
}

func TestRunChecks_OneFailing(t *testing.T) {
	checks := map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"amqp":     func(context.Context) error { return errors.New("connection refused") },
	}
	results, ok := RunChecks(context.Background(), checks, time.Second)
	if ok {
		t.Fatal("expected unhealthy")
	}
	if results[0].Name != "amqp" || results[0].OK || results[0].Error != "connection refused" {
		t.Errorf("unexpected amqp result: %+v", results[0])
	}
}

func TestRunChecks_DeadlinePropagates(t *testing.T) {
	checks := map[string]Check{
		"slow": func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	_, ok := RunChecks(context.Background(), checks, 10*time.Millisecond)
	if ok {
		t.Fatal("expected deadline to fail the check")
	}
}

func TestReadinessHandler_Unhealthy(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	h := ReadinessHandler(nil, map[string]Check{
		"postgres": func(context.Context) error { return errors.New("down") },
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "unhealthy" {
		t.Errorf("expected unhealthy status, got %v", body["status"])
	}
	if _, ok := body["pool"]; ok {
		t.Error("pool stats should be omitted without a pool")
	}
}

func TestReadinessHandler_Healthy(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := ReadinessHandler(nil, map[string]Check{})(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
