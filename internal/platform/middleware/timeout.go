package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/rcm/pkg/response"
)

// RequestTimeout puts a deadline on the request context. Handlers and the
// repositories under them observe it; a handler that gives up with
// context.DeadlineExceeded is answered with 504 unless it already wrote a
// response.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if err != nil && errors.Is(err, context.DeadlineExceeded) && !c.Response().Committed {
				return response.Fail(c, http.StatusGatewayTimeout, "request exceeded the allowed time")
			}
			return err
		}
	}
}
