// Package response renders the JSON envelope returned by every RCM endpoint:
// {"success": true, "data": ...} or {"success": false, "message": ...}.
package response

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/rcm/internal/platform/apperr"
)

// Envelope is the wire shape of every API response.
type Envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

// OK writes a 200 envelope.
func OK(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

// Created writes a 201 envelope.
func Created(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusCreated, Envelope{Success: true, Data: data})
}

// Fail writes a failure envelope with an explicit status.
func Fail(c echo.Context, status int, message string) error {
	return c.JSON(status, Envelope{Success: false, Message: message})
}

// Error maps err onto a status code and failure envelope. Messages of
// unexpected errors are replaced so internals do not cross the boundary.
func Error(c echo.Context, err error) error {
	status := apperr.Status(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	return c.JSON(status, Envelope{
		Success:   false,
		Message:   msg,
		Retryable: apperr.Retryable(err),
	})
}
