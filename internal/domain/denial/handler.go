package denial

import (
	"strconv"
	"strings"

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
	read.GET("/denials", h.ListDenials)
	read.GET("/denials/patterns", h.Patterns)
	read.GET("/denials/resolutions/:category", h.Resolutions)
	read.GET("/denials/:id", h.GetDenial)
	read.GET("/appeals/:id", h.GetAppeal)

	write := api.Group("", auth.RequireRole("billing"))
	write.POST("/denials/categorize", h.Categorize)
	write.POST("/denials/:id/appeals", h.GenerateAppeal)
	write.POST("/appeals/:id/outcome", h.TrackOutcome)
}

func pathID(c echo.Context, entity string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("id", "invalid %s id", entity)
	}
	return id, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation("", "malformed request body")
	}
	return nil
}

func (h *Handler) Categorize(c echo.Context) error {
	var cmd CategorizeCommand
	if err := bind(c, &cmd); err != nil {
		return response.Error(c, err)
	}
	res, err := h.svc.CategorizeDenial(cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, res)
}

func (h *Handler) Resolutions(c echo.Context) error {
	cat := Category(c.Param("category"))
	if !cat.Valid() {
		return response.Error(c, apperr.Validation("category", "unknown category %q", cat))
	}
	return response.OK(c, map[string]interface{}{"category": cat, "resolutions": SuggestResolution(cat)})
}

func (h *Handler) ListDenials(c echo.Context) error {
	p := pagination.FromContext(c)
	f := ListFilter{PayerID: c.QueryParam("payer_id"), Limit: p.Limit, Offset: p.Offset}
	if v := c.QueryParam("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			f.Status = append(f.Status, Status(strings.TrimSpace(s)))
		}
	}
	if v := c.QueryParam("category"); v != "" {
		for _, s := range strings.Split(v, ",") {
			f.Category = append(f.Category, Category(strings.TrimSpace(s)))
		}
	}
	if v := c.QueryParam("claim_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return response.Error(c, apperr.Validation("claim_id", "invalid claim id"))
		}
		f.ClaimID = &id
	}
	items, total, err := h.svc.ListDenials(c.Request().Context(), f)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, pagination.NewResponse(items, total, p))
}

func (h *Handler) GetDenial(c echo.Context) error {
	id, err := pathID(c, "denial")
	if err != nil {
		return response.Error(c, err)
	}
	d, appeals, err := h.svc.GetDenial(c.Request().Context(), id)
	if err != nil {
		return response.Error(c, err)
	}
	if appeals == nil {
		appeals = []*Appeal{}
	}
	return response.OK(c, map[string]interface{}{
		"denial":      d,
		"appeals":     appeals,
		"resolutions": SuggestResolution(d.Category),
	})
}

func (h *Handler) GetAppeal(c echo.Context) error {
	id, err := pathID(c, "appeal")
	if err != nil {
		return response.Error(c, err)
	}
	a, err := h.svc.GetAppeal(c.Request().Context(), id)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, a)
}

func (h *Handler) GenerateAppeal(c echo.Context) error {
	id, err := pathID(c, "denial")
	if err != nil {
		return response.Error(c, err)
	}
	var cmd GenerateAppealCommand
	if err := bind(c, &cmd); err != nil {
		return response.Error(c, err)
	}
	cmd.DenialID = id
	a, err := h.svc.GenerateAppeal(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, a)
}

func (h *Handler) TrackOutcome(c echo.Context) error {
	id, err := pathID(c, "appeal")
	if err != nil {
		return response.Error(c, err)
	}
	var cmd TrackOutcomeCommand
	if err := bind(c, &cmd); err != nil {
		return response.Error(c, err)
	}
	cmd.AppealID = id
	a, err := h.svc.TrackOutcome(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, a)
}

func (h *Handler) Patterns(c echo.Context) error {
	days := 90
	if v := c.QueryParam("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return response.Error(c, apperr.Validation("days", "must be an integer"))
		}
		days = n
	}
	p, err := h.svc.AnalyzeDenialPatterns(c.Request().Context(), days)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, p)
}
