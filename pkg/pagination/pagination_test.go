package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func ctxWithQuery(q string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/claims?"+q, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", DefaultLimit, 0},
		{"limit=10&offset=20", 10, 20},
		{"limit=100000", MaxLimit, 0},
		{"limit=-5&offset=-3", DefaultLimit, 0},
		{"limit=abc", DefaultLimit, 0},
	}
	for _, tt := range tests {
		p := FromContext(ctxWithQuery(tt.query))
		if p.Limit != tt.wantLimit || p.Offset != tt.wantOffset {
			t.Errorf("query %q: got %+v, want limit=%d offset=%d", tt.query, p, tt.wantLimit, tt.wantOffset)
		}
	}
}

func TestWindow(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if s, e := p.Window(12); s != 5 || e != 12 {
		t.Errorf("Window(12) = %d,%d", s, e)
	}
	if s, e := p.Window(3); s != 3 || e != 3 {
		t.Errorf("Window(3) = %d,%d", s, e)
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]int{1, 2}, 30, Params{Limit: 2, Offset: 0})
	if !r.HasMore {
		t.Error("expected HasMore")
	}
	r = NewResponse([]int{1, 2}, 2, Params{Limit: 2, Offset: 0})
	if r.HasMore {
		t.Error("expected no more pages")
	}
}
