package account

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

func call(t *testing.T, h echo.HandlerFunc, method, target, body, id string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if id != "" {
		c.SetParamNames("id")
		c.SetParamValues(id)
	}
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func TestHandler_CreateAndGet(t *testing.T) {
	now := testNow
	h := NewHandler(newService(t, &now))

	rec := call(t, h.CreateAccount, http.MethodPost, "/accounts", `{"name":"Jordan Lee","kind":"guarantor"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var out envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	var a Account
	if err := json.Unmarshal(out.Data, &a); err != nil {
		t.Fatal(err)
	}
	if a.Kind != KindGuarantor {
		t.Errorf("expected guarantor, got %s", a.Kind)
	}

	rec = call(t, h.GetAccount, http.MethodGet, "/", "", a.ID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = call(t, h.GetAccount, http.MethodGet, "/", "", "bad")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	rec = call(t, h.GetAccount, http.MethodGet, "/", "", "0b6f7f4e-4d39-4c35-8a52-3a4d6f1f7a10")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	rec = call(t, h.CreateAccount, http.MethodPost, "/accounts", `{"kind":"patient"}`, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 without a name, got %d", rec.Code)
	}
}

func TestHandler_ChargeAndPayment(t *testing.T) {
	now := testNow
	h := NewHandler(newService(t, &now))
	rec := call(t, h.CreateAccount, http.MethodPost, "/accounts", `{"name":"Jordan Lee"}`, "")
	var out envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	var a Account
	if err := json.Unmarshal(out.Data, &a); err != nil {
		t.Fatal(err)
	}
	id := a.ID.String()

	rec = call(t, h.PostCharge, http.MethodPost, "/", `{"amount":"120.50","reason":"self-pay visit"}`, id)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = call(t, h.PostPayment, http.MethodPost, "/", `{"amount":"200"}`, id)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for overpayment, got %d", rec.Code)
	}
	rec = call(t, h.PostPayment, http.MethodPost, "/", `{"amount":"20.50"}`, id)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"outstanding_balance":"100"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}

	rec = call(t, h.ListAccounts, http.MethodGet, "/accounts?with_balance=true", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"total":1`) {
		t.Errorf("unexpected list response %d: %s", rec.Code, rec.Body.String())
	}
}
