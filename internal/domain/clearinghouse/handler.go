package clearinghouse

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/internal/platform/blobstore"
	"github.com/ehr/rcm/pkg/response"
)

type Handler struct {
	conn *Connector
}

func NewHandler(conn *Connector) *Handler {
	return &Handler{conn: conn}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	write := api.Group("", auth.RequireRole("billing"))
	write.POST("/remittances/835", h.UploadERA)
	write.POST("/clearinghouse/sync", h.SyncStatuses)
	write.POST("/clearinghouse/remittances/sync", h.SyncRemittances)
}

// UploadERA accepts a raw X12 835 (or clearinghouse JSON) document.
func (h *Handler) UploadERA(c echo.Context) error {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, blobstore.MaxSize+1))
	if err != nil {
		return response.Error(c, apperr.Validation("", "unreadable request body"))
	}
	if len(data) == 0 {
		return response.Error(c, apperr.Validation("body", "remittance document is empty"))
	}
	if len(data) > blobstore.MaxSize {
		return response.Fail(c, http.StatusRequestEntityTooLarge, "remittance document too large")
	}
	if _, err := ParseERA(data); err != nil {
		return response.Error(c, apperr.Validation("body", "%s", err.Error()))
	}
	results, err := h.conn.IngestERA(c.Request().Context(), data)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, results)
}

func (h *Handler) SyncStatuses(c echo.Context) error {
	rep, err := h.conn.SyncClaimStatuses(c.Request().Context())
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, rep)
}

func (h *Handler) SyncRemittances(c echo.Context) error {
	rep, err := h.conn.SyncRemittances(c.Request().Context())
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, rep)
}
