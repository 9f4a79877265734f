package validate

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/ehr/rcm/internal/platform/apperr"
)

type sample struct {
	PayerID string          `json:"payer_id" validate:"required"`
	Kind    string          `json:"kind" validate:"omitempty,oneof=patient guarantor"`
	Amount  decimal.Decimal `json:"amount" validate:"gte=0"`
}

func TestStruct_OK(t *testing.T) {
	if err := Struct(sample{PayerID: "p1", Kind: "patient", Amount: decimal.NewFromInt(5)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStruct_UsesJSONFieldNames(t *testing.T) {
	err := Struct(sample{})
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if ve.Field != "payer_id" || ve.Reason != "is required" {
		t.Errorf("unexpected error: %+v", ve)
	}
}

func TestStruct_Oneof(t *testing.T) {
	err := Struct(sample{PayerID: "p", Kind: "vendor"})
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) || ve.Field != "kind" {
		t.Fatalf("expected kind validation error, got %v", err)
	}
}

func TestStruct_DecimalAmount(t *testing.T) {
	err := Struct(sample{PayerID: "p", Amount: decimal.NewFromInt(-1)})
	var ve *apperr.ValidationError
	if !errors.As(err, &ve) || ve.Field != "amount" {
		t.Fatalf("expected amount validation error, got %v", err)
	}
}
