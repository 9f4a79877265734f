package clearinghouse

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ehr/rcm/internal/platform/apperr"
)

// StatusError is a non-2xx answer from the clearinghouse.
type StatusError struct {
	Code       int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("clearinghouse returned %d: %s", e.Code, e.Body)
}

// TransportError wraps a failure below HTTP: DNS, refused connection, reset,
// client timeout.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return "clearinghouse transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Transient reports whether err is worth another attempt.
func Transient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
			return true
		}
		return se.Code >= 500
	}
	var te *TransportError
	return errors.As(err, &te)
}

// Refused reports whether the clearinghouse turned the request away for a
// reason unrelated to the claim: 401, 403 or 404. No retry can fix these.
func Refused(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 2 * time.Second, Cap: 60 * time.Second, MaxAttempts: 5}
}

// Backoff returns the wait after the given failed attempt (1-based):
// Base, 2*Base, 4*Base ... never above Cap.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// wait sleeps for d unless ctx ends first.
func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retrier runs one clearinghouse operation under a RetryPolicy. The wait
// blocks only the calling goroutine, so one slow claim never holds up
// another worker.
type retrier struct {
	policy  RetryPolicy
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry func(op string, attempt int, err error)
}

// do returns nil, the first permanent error, ctx's error, or a
// ClearinghouseUnavailableError once the attempts run out.
func (r retrier) do(ctx context.Context, op string, fn func(ctx context.Context) error) (int, error) {
	attempts := r.policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if !Transient(err) {
			return attempt, err
		}
		if attempt == attempts {
			return attempt, &apperr.ClearinghouseUnavailableError{Op: op, Attempts: attempt, Err: err}
		}
		d := r.policy.Backoff(attempt)
		var se *StatusError
		if errors.As(err, &se) && se.RetryAfter > d {
			d = se.RetryAfter
			if d > r.policy.Cap {
				d = r.policy.Cap
			}
		}
		if r.onRetry != nil {
			r.onRetry(op, attempt, err)
		}
		if werr := r.sleep(ctx, d); werr != nil {
			return attempt, werr
		}
	}
	return attempts, err
}
