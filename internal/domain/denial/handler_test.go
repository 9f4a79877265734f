package denial

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func serve(t *testing.T, h echo.HandlerFunc, method, target, body string, params ...string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if len(params) > 0 {
		c.SetParamNames(params[0])
		c.SetParamValues(params[1])
	}
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func TestHandler_Categorize(t *testing.T) {
	h := NewHandler(newTestEnv(t, DefaultConfig()).svc)

	rec := serve(t, h.Categorize, http.MethodPost, "/denials/categorize", `{"reason_codes":["CO-197","N30"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var out envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	var res CategoryResult
	if err := json.Unmarshal(out.Data, &res); err != nil {
		t.Fatal(err)
	}
	if res.Category != CategoryAuthorization {
		t.Errorf("expected authorization, got %s", res.Category)
	}

	rec = serve(t, h.Categorize, http.MethodPost, "/denials/categorize", `{"reason_codes":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty codes, got %d", rec.Code)
	}
	rec = serve(t, h.Categorize, http.MethodPost, "/denials/categorize", `{`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestHandler_Resolutions(t *testing.T) {
	h := NewHandler(newTestEnv(t, DefaultConfig()).svc)

	rec := serve(t, h.Resolutions, http.MethodGet, "/", "", "category", "timely-filing")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "proof of timely filing") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	rec = serve(t, h.Resolutions, http.MethodGet, "/", "", "category", "weather")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_AppealFlow(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	h := NewHandler(env.svc)
	_, ds := env.deniedClaim(t, "aetna", "CO-15")

	rec := serve(t, h.GenerateAppeal, http.MethodPost, "/", `{"fields":{}}`, "id", ds[0].ID.String())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing authorization number, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "authorization_number") {
		t.Errorf("expected missing field in body, got %s", rec.Body.String())
	}

	rec = serve(t, h.GenerateAppeal, http.MethodPost, "/",
		`{"appeal_type":"first-level","fields":{"authorization_number":"AUTH-9"}}`, "id", ds[0].ID.String())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var out envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	var a Appeal
	if err := json.Unmarshal(out.Data, &a); err != nil {
		t.Fatal(err)
	}

	rec = serve(t, h.GetAppeal, http.MethodGet, "/", "", "id", a.ID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = serve(t, h.TrackOutcome, http.MethodPost, "/", `{"outcome":"maybe"}`, "id", a.ID.String())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown outcome, got %d", rec.Code)
	}
	rec = serve(t, h.TrackOutcome, http.MethodPost, "/", `{"outcome":"overturned"}`, "id", a.ID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"outcome":"overturned"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	rec = serve(t, h.GetDenial, http.MethodGet, "/", "", "id", ds[0].ID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"resolved"`) {
		t.Errorf("expected resolved denial, got %s", rec.Body.String())
	}
}

func TestHandler_GetDenial_BadID(t *testing.T) {
	h := NewHandler(newTestEnv(t, DefaultConfig()).svc)
	rec := serve(t, h.GetDenial, http.MethodGet, "/", "", "id", "not-a-uuid")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	rec = serve(t, h.GetDenial, http.MethodGet, "/", "", "id", "7f1d2b9e-3c4a-4f5e-9a8b-1c2d3e4f5a6b")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_ListAndPatterns(t *testing.T) {
	env := newTestEnv(t, DefaultConfig())
	h := NewHandler(env.svc)
	env.deniedClaim(t, "aetna", "CO-15")
	env.deniedClaim(t, "cigna", "CO-27")

	rec := serve(t, h.ListDenials, http.MethodGet, "/denials?category=eligibility", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"payer_id":"cigna"`) || strings.Contains(rec.Body.String(), `"payer_id":"aetna"`) {
		t.Errorf("unexpected list body %s", rec.Body.String())
	}
	rec = serve(t, h.ListDenials, http.MethodGet, "/denials?claim_id=nope", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad claim id, got %d", rec.Code)
	}

	rec = serve(t, h.Patterns, http.MethodGet, "/denials/patterns?days=30", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"total":2`) {
		t.Errorf("unexpected patterns body %s", rec.Body.String())
	}
	for _, q := range []string{"days=abc", "days=0"} {
		rec = serve(t, h.Patterns, http.MethodGet, "/denials/patterns?"+q, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}
