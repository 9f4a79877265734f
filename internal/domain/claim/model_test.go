package claim

import (
	"testing"

	"github.com/shopspring/decimal"
)

var allStatuses = []Status{
	StatusDraft, StatusSubmitted, StatusAccepted, StatusRejected, StatusAdjudicated,
	StatusPaid, StatusPartiallyPaid, StatusDenied, StatusAppealed, StatusVoid,
}

func TestCanTransition_EdgeSet(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusDraft, StatusSubmitted}:           true,
		{StatusDraft, StatusVoid}:                true,
		{StatusSubmitted, StatusAccepted}:        true,
		{StatusSubmitted, StatusRejected}:        true,
		{StatusSubmitted, StatusVoid}:            true,
		{StatusAccepted, StatusAdjudicated}:      true,
		{StatusAccepted, StatusVoid}:             true,
		{StatusAdjudicated, StatusPaid}:          true,
		{StatusAdjudicated, StatusPartiallyPaid}: true,
		{StatusAdjudicated, StatusDenied}:        true,
		{StatusAdjudicated, StatusVoid}:          true,
		{StatusDenied, StatusAppealed}:           true,
		{StatusDenied, StatusVoid}:               true,
		{StatusAppealed, StatusAdjudicated}:      true,
		{StatusAppealed, StatusDenied}:           true,
		{StatusAppealed, StatusVoid}:             true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusPaid, StatusPartiallyPaid, StatusRejected, StatusVoid} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if StatusDenied.Terminal() {
		t.Error("denied must not be terminal")
	}
	if Status("bogus").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestPath(t *testing.T) {
	tests := []struct {
		from, to Status
		want     []Status
		ok       bool
	}{
		{StatusSubmitted, StatusPaid, []Status{StatusAccepted, StatusAdjudicated, StatusPaid}, true},
		{StatusAccepted, StatusDenied, []Status{StatusAdjudicated, StatusDenied}, true},
		{StatusAppealed, StatusPaid, []Status{StatusAdjudicated, StatusPaid}, true},
		{StatusAdjudicated, StatusPartiallyPaid, []Status{StatusPartiallyPaid}, true},
		{StatusDenied, StatusPaid, nil, false},
		{StatusPaid, StatusPaid, nil, false},
		{StatusVoid, StatusAdjudicated, nil, false},
	}
	for _, tt := range tests {
		got, ok := Path(tt.from, tt.to)
		if ok != tt.ok {
			t.Errorf("Path(%s, %s) ok = %v, want %v", tt.from, tt.to, ok, tt.ok)
			continue
		}
		if len(got) != len(tt.want) {
			t.Errorf("Path(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Path(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
				break
			}
		}
	}
}

func TestOutcomeFor(t *testing.T) {
	d := decimal.RequireFromString
	tests := []struct {
		allowed, paid string
		want          Status
	}{
		{"400", "400", StatusPaid},
		{"400", "250", StatusPartiallyPaid},
		{"400", "0", StatusDenied},
		{"0", "0", StatusDenied},
	}
	for _, tt := range tests {
		if got := OutcomeFor(d(tt.allowed), d(tt.paid)); got != tt.want {
			t.Errorf("OutcomeFor(%s, %s) = %s, want %s", tt.allowed, tt.paid, got, tt.want)
		}
	}
}

func TestCheckAmounts(t *testing.T) {
	d := decimal.RequireFromString
	if err := CheckAmounts(d("500"), d("400"), d("400")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := CheckAmounts(d("500"), d("600"), d("100")); err == nil {
		t.Error("expected allowed > billed to fail")
	}
	if err := CheckAmounts(d("500"), d("400"), d("450")); err == nil {
		t.Error("expected paid > allowed to fail")
	}
	if err := CheckAmounts(d("500"), d("-1"), d("0")); err == nil {
		t.Error("expected negative allowed to fail")
	}
}

func TestDenialCodes(t *testing.T) {
	rec := RemittanceRecord{Adjustments: []Adjustment{
		{Group: "CO", Reason: "27"}, {Group: "PR", Reason: "1"}, {Group: "CO", Reason: "27"}, {Group: "OA", Reason: "18"},
	}}
	got := rec.DenialCodes()
	if len(got) != 2 || got[0] != "CO-27" || got[1] != "OA-18" {
		t.Errorf("DenialCodes() = %v", got)
	}
	onlyPR := RemittanceRecord{Adjustments: []Adjustment{{Group: "PR", Reason: "2"}}}
	if got := onlyPR.DenialCodes(); len(got) != 1 || got[0] != "PR-2" {
		t.Errorf("DenialCodes() with PR only = %v", got)
	}
}
