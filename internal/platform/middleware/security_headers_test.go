package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders_EveryHeaderOnSuccessAndError(t *testing.T) {
	handlers := map[string]echo.HandlerFunc{
		"ok": func(c echo.Context) error { return c.JSON(http.StatusOK, map[string]string{"balance": "12.00"}) },
		"error": func(echo.Context) error {
			return echo.NewHTTPError(http.StatusNotFound, "claim not found")
		},
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/accounts", nil), rec)

			err := SecurityHeaders()(h)(c)
			if name == "error" {
				if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
					t.Fatalf("expected the handler's 404 to pass through, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			for _, kv := range securityHeaders {
				if got := rec.Header().Get(kv[0]); got != kv[1] {
					t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
				}
			}
		})
	}
}

func TestSecurityHeaders_NoStoreForFinancialData(t *testing.T) {
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/ar/aging", nil), rec)
	if err := SecurityHeaders()(okHandler)(c); err != nil {
		t.Fatal(err)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q, want DENY", got)
	}
}
