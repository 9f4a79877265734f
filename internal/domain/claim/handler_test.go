package claim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/rcm/internal/platform/apperr"
)

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	f := newFixture(t)
	return NewHandler(f.engine), f, echo.New()
}

func jsonRequest(method, body string) *http.Request {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, rec.Body.String())
	}
	return env
}

func TestHandler_CreateClaim(t *testing.T) {
	h, _, e := newTestHandler(t)
	body := `{"account_id":"` + uuid.New().String() + `","payer_id":"AETNA",
		"lines":[{"procedure_code":"99213","diagnosis_codes":["J06.9"],"unit_price":"125.00","quantity":1}]}`
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, body), rec)

	if err := h.CreateClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Error("expected success=true")
	}
	var cl Claim
	if err := json.Unmarshal(env.Data, &cl); err != nil {
		t.Fatal(err)
	}
	if cl.Status != StatusDraft || cl.BilledAmount.String() != "125" {
		t.Errorf("unexpected claim %+v", cl)
	}
}

func TestHandler_CreateClaim_BadRequest(t *testing.T) {
	h, _, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"payer_id":"AETNA"}`), rec)

	if err := h.CreateClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Success || env.Message == "" {
		t.Errorf("expected failure envelope with message, got %+v", env)
	}
}

func TestHandler_GetClaim_NotFound(t *testing.T) {
	h, _, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())

	if err := h.GetClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetClaim_InvalidID(t *testing.T) {
	h, _, e := newTestHandler(t)
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	if err := h.GetClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_SubmitAndVoid(t *testing.T) {
	h, f, e := newTestHandler(t)
	cl := f.draft(t, "200")

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(cl.ID.String())
	if err := h.SubmitClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(jsonRequest(http.MethodPost, `{"reason":"entered twice"}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(cl.ID.String())
	if err := h.VoidClaim(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	// A second submit hits the state machine guard.
	rec = httptest.NewRecorder()
	c = e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(cl.ID.String())
	_ = h.SubmitClaim(c)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid transition, got %d", rec.Code)
	}
}

func TestHandler_StaleVersionConflict(t *testing.T) {
	h, f, e := newTestHandler(t)
	cl := f.submitted(t, "200")

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, `{"reason":"x","expected_version":1}`), rec)
	c.SetParamNames("id")
	c.SetParamValues(cl.ID.String())
	_ = h.VoidClaim(c)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); !env.Retryable {
		t.Error("expected retryable=true on conflict")
	}
}

func TestHandler_ClearinghouseUnavailable(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.submitter.err = &apperr.ClearinghouseUnavailableError{Op: "submit", Attempts: 5, Err: errors.New("connection refused")}
	cl := f.draft(t, "200")

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(cl.ID.String())
	_ = h.SubmitClaim(c)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	if env := decodeEnvelope(t, rec); env.Success || !env.Retryable {
		t.Errorf("expected retryable failure envelope, got %+v", env)
	}

	// The claim is submitted and waits for the resubmission sweep.
	stored, err := f.engine.Get(context.Background(), cl.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusSubmitted {
		t.Errorf("expected submitted, got %s", stored.Status)
	}
}

func TestHandler_ApplyRemittance(t *testing.T) {
	h, f, e := newTestHandler(t)
	cl := f.submitted(t, "500")
	body := `{"batch_id":"ERA-100","records":[{"claim_ref":"` + cl.ID.String() +
		`","billed_amount":"500","allowed_amount":"400","paid_amount":"400"}]}`

	rec := httptest.NewRecorder()
	c := e.NewContext(jsonRequest(http.MethodPost, body), rec)
	if err := h.ApplyRemittance(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	c = e.NewContext(jsonRequest(http.MethodPost, body), rec)
	_ = h.ApplyRemittance(c)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate batch, got %d", rec.Code)
	}
	var res RemittanceResult
	if err := json.Unmarshal(decodeEnvelope(t, rec).Data, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Duplicate {
		t.Error("expected duplicate=true on re-ingest")
	}
}

func TestHandler_ListClaims_FilterByStatus(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.draft(t, "100")
	f.submitted(t, "100")

	req := httptest.NewRequest(http.MethodGet, "/claims?status=submitted", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h.ListClaims(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Items []Claim `json:"items"`
		Total int     `json:"total"`
	}
	if err := json.Unmarshal(decodeEnvelope(t, rec).Data, &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].Status != StatusSubmitted {
		t.Errorf("unexpected page: %+v", page)
	}

	req = httptest.NewRequest(http.MethodGet, "/claims?status=bogus", nil)
	rec = httptest.NewRecorder()
	_ = h.ListClaims(e.NewContext(req, rec))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", rec.Code)
	}
}
