package account

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/pkg/pagination"
	"github.com/ehr/rcm/pkg/response"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("billing", "viewer"))
	read.GET("/accounts", h.ListAccounts)
	read.GET("/accounts/:id", h.GetAccount)

	write := api.Group("", auth.RequireRole("billing"))
	write.POST("/accounts", h.CreateAccount)
	write.POST("/accounts/:id/charges", h.PostCharge)
	write.POST("/accounts/:id/payments", h.PostPayment)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("id", "invalid account id")
	}
	return id, nil
}

func (h *Handler) CreateAccount(c echo.Context) error {
	var cmd CreateCommand
	if err := c.Bind(&cmd); err != nil {
		return response.Error(c, apperr.Validation("", "malformed request body"))
	}
	a, err := h.svc.Create(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, a)
}

func (h *Handler) GetAccount(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return response.Error(c, err)
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, a)
}

func (h *Handler) ListAccounts(c echo.Context) error {
	p := pagination.FromContext(c)
	f := ListFilter{WithBalance: c.QueryParam("with_balance") == "true", Limit: p.Limit, Offset: p.Offset}
	items, total, err := h.svc.List(c.Request().Context(), f)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, pagination.NewResponse(items, total, p))
}

func (h *Handler) PostCharge(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return response.Error(c, err)
	}
	var cmd ChargeCommand
	if err := c.Bind(&cmd); err != nil {
		return response.Error(c, apperr.Validation("", "malformed request body"))
	}
	cmd.AccountID = id
	a, err := h.svc.PostCharge(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, a)
}

func (h *Handler) PostPayment(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return response.Error(c, err)
	}
	var cmd PaymentCommand
	if err := c.Bind(&cmd); err != nil {
		return response.Error(c, apperr.Validation("", "malformed request body"))
	}
	cmd.AccountID = id
	a, err := h.svc.PostPayment(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, a)
}
