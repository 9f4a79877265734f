package claim

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/pkg/pagination"
	"github.com/ehr/rcm/pkg/response"
)

type Handler struct {
	engine *Engine
}

func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("billing", "viewer"))
	read.GET("/claims", h.ListClaims)
	read.GET("/claims/:id", h.GetClaim)
	read.GET("/remittances/:batch_id", h.GetRemittance)

	write := api.Group("", auth.RequireRole("billing"))
	write.POST("/claims", h.CreateClaim)
	write.POST("/claims/:id/submit", h.SubmitClaim)
	write.POST("/claims/:id/deny", h.DenyClaim)
	write.POST("/claims/:id/appeal", h.AppealClaim)
	write.POST("/claims/:id/void", h.VoidClaim)
	write.POST("/remittances", h.ApplyRemittance)
}

func claimID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("id", "invalid claim id")
	}
	return id, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation("", "malformed request body")
	}
	return nil
}

func (h *Handler) CreateClaim(c echo.Context) error {
	var cmd CreateClaimCommand
	if err := bind(c, &cmd); err != nil {
		return response.Error(c, err)
	}
	cl, err := h.engine.Create(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, cl)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return response.Error(c, err)
	}
	cl, err := h.engine.Get(c.Request().Context(), id)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, cl)
}

func (h *Handler) ListClaims(c echo.Context) error {
	p := pagination.FromContext(c)
	f := ListFilter{PayerID: c.QueryParam("payer_id"), Limit: p.Limit, Offset: p.Offset}
	if s := c.QueryParam("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			f.Status = append(f.Status, Status(strings.TrimSpace(part)))
		}
	}
	if a := c.QueryParam("account_id"); a != "" {
		id, err := uuid.Parse(a)
		if err != nil {
			return response.Error(c, apperr.Validation("account_id", "invalid account id"))
		}
		f.AccountID = &id
	}
	items, total, err := h.engine.List(c.Request().Context(), f)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, pagination.NewResponse(items, total, p))
}

func (h *Handler) SubmitClaim(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return response.Error(c, err)
	}
	var cmd SubmitCommand
	if c.Request().ContentLength > 0 {
		if err := bind(c, &cmd); err != nil {
			return response.Error(c, err)
		}
	}
	cmd.ClaimID = id
	cl, err := h.engine.Submit(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, cl)
}

func (h *Handler) DenyClaim(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return response.Error(c, err)
	}
	var cmd MarkDeniedCommand
	if err := bind(c, &cmd); err != nil {
		return response.Error(c, err)
	}
	cmd.ClaimID = id
	cl, err := h.engine.MarkDenied(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, cl)
}

type appealResult struct {
	Claim  *Claim     `json:"claim"`
	Appeal *AppealRef `json:"appeal,omitempty"`
}

func (h *Handler) AppealClaim(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return response.Error(c, err)
	}
	var cmd FileAppealCommand
	if c.Request().ContentLength > 0 {
		if err := bind(c, &cmd); err != nil {
			return response.Error(c, err)
		}
	}
	cmd.ClaimID = id
	cl, ref, err := h.engine.FileAppeal(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, appealResult{Claim: cl, Appeal: ref})
}

func (h *Handler) VoidClaim(c echo.Context) error {
	id, err := claimID(c)
	if err != nil {
		return response.Error(c, err)
	}
	var cmd VoidCommand
	if err := bind(c, &cmd); err != nil {
		return response.Error(c, err)
	}
	cmd.ClaimID = id
	cl, err := h.engine.Void(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, cl)
}

func (h *Handler) ApplyRemittance(c echo.Context) error {
	var cmd ApplyRemittanceCommand
	if err := bind(c, &cmd); err != nil {
		return response.Error(c, err)
	}
	res, err := h.engine.ApplyRemittance(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	if res.Duplicate {
		return response.OK(c, res)
	}
	return c.JSON(http.StatusCreated, response.Envelope{Success: true, Data: res})
}

func (h *Handler) GetRemittance(c echo.Context) error {
	rem, err := h.engine.GetRemittance(c.Request().Context(), c.Param("batch_id"))
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, rem)
}
