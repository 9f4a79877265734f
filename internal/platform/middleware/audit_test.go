package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/rcm/internal/platform/auth"
)

type mockRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
	err     error
}

func (m *mockRecorder) RecordAccess(entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return m.err
}

func (m *mockRecorder) last() AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[len(m.entries)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newTestContext(method, target string, opts ...func(*http.Request)) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, nil)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withAuth(userID string, roles []string) func(*http.Request) {
	return func(req *http.Request) {
		ctx := context.WithValue(req.Context(), auth.UserIDKey, userID)
		ctx = context.WithValue(ctx, auth.UserRolesKey, roles)
		*req = *req.WithContext(ctx)
	}
}

func TestAudit_ClaimRead(t *testing.T) {
	rec := &mockRecorder{}
	claimID := uuid.NewString()
	c, _ := newTestContext(http.MethodGet, "/api/v1/claims/"+claimID, withAuth("user-1", []string{"billing"}))
	c.Set("request_id", "req-abc")

	if err := Audit(zerolog.Nop(), rec)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 audit entry, got %d", rec.count())
	}
	entry := rec.last()
	if entry.UserID != "user-1" || entry.Resource != "claims" || entry.ResourceID != claimID {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Action != "read" || entry.RequestID != "req-abc" || entry.StatusCode != http.StatusOK {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.AccountID != "" {
		t.Errorf("expected no account id, got %q", entry.AccountID)
	}
}

func TestAudit_AccountIDSources(t *testing.T) {
	acct := uuid.NewString()
	tests := []struct {
		name   string
		method string
		target string
	}{
		{"account path", http.MethodPost, "/api/v1/accounts/" + acct + "/payments"},
		{"aging path", http.MethodGet, "/api/v1/ar/accounts/" + acct + "/probability"},
		{"query", http.MethodGet, "/api/v1/collections/tasks?account_id=" + acct},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &mockRecorder{}
			c, _ := newTestContext(tt.method, tt.target)
			if err := Audit(zerolog.Nop(), rec)(okHandler)(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := rec.last().AccountID; got != acct {
				t.Errorf("account id = %q, want %q", got, acct)
			}
		})
	}
}

func TestAudit_SkipsNonAPIPaths(t *testing.T) {
	rec := &mockRecorder{}
	for _, p := range []string{"/health", "/metrics", "/health/db"} {
		c, _ := newTestContext(http.MethodGet, p)
		if err := Audit(zerolog.Nop(), rec)(okHandler)(c); err != nil {
			t.Fatalf("%s: unexpected error: %v", p, err)
		}
	}
	if rec.count() != 0 {
		t.Errorf("expected no audit entries, got %d", rec.count())
	}
}

func TestAudit_RecordsHandlerErrorStatus(t *testing.T) {
	rec := &mockRecorder{}
	c, _ := newTestContext(http.MethodPost, "/api/v1/claims")
	failing := func(echo.Context) error { return echo.NewHTTPError(http.StatusForbidden, "no") }

	err := Audit(zerolog.Nop(), rec)(failing)(c)
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}
	entry := rec.last()
	if entry.StatusCode != http.StatusForbidden || entry.Action != "create" {
		t.Errorf("unexpected entry: %+v", entry)
	}
}

func TestAudit_RecorderErrorDoesNotBreakRequest(t *testing.T) {
	rec := &mockRecorder{err: errors.New("disk full")}
	c, resp := newTestContext(http.MethodGet, "/api/v1/denials")

	if err := Audit(zerolog.Nop(), rec)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.Code)
	}
}

func TestAudit_NoRecorderLogOnly(t *testing.T) {
	c, resp := newTestContext(http.MethodGet, "/api/v1/claims")
	if err := Audit(zerolog.Nop())(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.Code)
	}
}

func TestHTTPMethodToAction(t *testing.T) {
	tests := map[string]string{
		http.MethodGet:    "read",
		http.MethodHead:   "read",
		http.MethodPost:   "create",
		http.MethodPut:    "update",
		http.MethodPatch:  "update",
		http.MethodDelete: "delete",
	}
	for method, want := range tests {
		if got := httpMethodToAction(method); got != want {
			t.Errorf("httpMethodToAction(%s) = %q, want %q", method, got, want)
		}
	}
}

func TestResourceFromPath(t *testing.T) {
	id := uuid.NewString()
	tests := []struct {
		path, resource, id string
	}{
		{"/api/v1/claims", "claims", ""},
		{"/api/v1/claims/" + id + "/submit", "claims", id},
		{"/api/v1/remittances/835", "remittances", ""},
		{"/api/v1/", "unknown", ""},
	}
	for _, tt := range tests {
		r, got := resourceFromPath(tt.path)
		if r != tt.resource || got != tt.id {
			t.Errorf("resourceFromPath(%q) = (%q, %q), want (%q, %q)", tt.path, r, got, tt.resource, tt.id)
		}
	}
}

func TestAuditRecorderFunc(t *testing.T) {
	var got AuditEntry
	f := AuditRecorderFunc(func(e AuditEntry) error {
		got = e
		return nil
	})
	if err := f.RecordAccess(AuditEntry{UserID: "u"}); err != nil {
		t.Fatal(err)
	}
	if got.UserID != "u" {
		t.Errorf("expected entry to be passed through, got %+v", got)
	}
}
