package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", Validation("payer_id", "is required"), http.StatusBadRequest},
		{"transition", &InvalidTransitionError{Entity: "claim", From: "paid", To: "void"}, http.StatusBadRequest},
		{"insufficient", &InsufficientDataError{Missing: []string{"authorization_number"}}, http.StatusBadRequest},
		{"not found", NotFound("claim", "x"), http.StatusNotFound},
		{"conflict", &ConcurrentModificationError{Entity: "claim", Version: 3}, http.StatusConflict},
		{"unavailable", &ClearinghouseUnavailableError{Op: "submit", Attempts: 5, Err: errors.New("timeout")}, http.StatusServiceUnavailable},
		{"wrapped", fmt.Errorf("submit: %w", NotFound("claim", "y")), http.StatusNotFound},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Status(tt.err); got != tt.want {
				t.Errorf("Status() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(&ConcurrentModificationError{}) {
		t.Error("expected conflict to be retryable")
	}
	if !Retryable(fmt.Errorf("wrap: %w", &ClearinghouseUnavailableError{Err: errors.New("x")})) {
		t.Error("expected wrapped unavailable to be retryable")
	}
	if Retryable(Validation("", "bad")) {
		t.Error("validation errors must not be retryable")
	}
	if Retryable(&InvalidTransitionError{}) {
		t.Error("transition errors must not be retryable")
	}
}

func TestInsufficientDataError_Message(t *testing.T) {
	err := &InsufficientDataError{Missing: []string{"diagnosis_codes", "service_date"}}
	want := "insufficient data: missing diagnosis_codes, service_date"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestClearinghouseUnavailableError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &ClearinghouseUnavailableError{Op: "poll", Attempts: 5, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
}
