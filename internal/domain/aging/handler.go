package aging

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/ehr/rcm/internal/platform/apperr"
	"github.com/ehr/rcm/internal/platform/auth"
	"github.com/ehr/rcm/pkg/pagination"
	"github.com/ehr/rcm/pkg/response"
)

type Handler struct {
	svc      *Service
	defaults Thresholds
}

// NewHandler serves the AR endpoints. defaults fill the fields a POST
// /ar/actions body leaves out.
func NewHandler(svc *Service, defaults Thresholds) *Handler {
	return &Handler{svc: svc, defaults: defaults}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/ar", auth.RequireRole("billing", "viewer"))
	read.GET("/aging", h.AgingReport)
	read.GET("/accounts/:id/probability", h.Probability)
	read.GET("/risk-scores", h.ListRiskScores)
	read.GET("/risk-scores/:id", h.GetRiskScore)

	write := api.Group("/ar", auth.RequireRole("billing"))
	write.POST("/risk-scores", h.GenerateRiskScores)
	write.POST("/actions", h.TriggerActions)
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("id", "invalid account id")
	}
	return id, nil
}

// AgingReport accepts ?bucket=61-90,91-120&min_balance=100&min_days=30.
func (h *Handler) AgingReport(c echo.Context) error {
	var f Filters
	if raw := c.QueryParam("bucket"); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			f.Buckets = append(f.Buckets, Bucket(strings.TrimSpace(b)))
		}
	}
	if raw := c.QueryParam("min_balance"); raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return response.Error(c, apperr.Validation("min_balance", "must be a number"))
		}
		f.MinBalance = d
	}
	if raw := c.QueryParam("min_days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return response.Error(c, apperr.Validation("min_days", "must be an integer"))
		}
		f.MinDays = n
	}
	rep, err := h.svc.AnalyzeARAccounts(c.Request().Context(), f)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, rep)
}

func (h *Handler) Probability(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return response.Error(c, err)
	}
	p, err := h.svc.PredictCollectionProbability(c.Request().Context(), id)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, p)
}

type generateRequest struct {
	AccountIDs []uuid.UUID `json:"account_ids"`
}

func (h *Handler) GenerateRiskScores(c echo.Context) error {
	var req generateRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return response.Error(c, apperr.Validation("", "malformed request body"))
		}
	}
	rep, err := h.svc.GenerateRiskScores(c.Request().Context(), req.AccountIDs)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, rep)
}

func (h *Handler) ListRiskScores(c echo.Context) error {
	p := pagination.FromContext(c)
	items, total, err := h.svc.ListRiskScores(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, pagination.NewResponse(items, total, p))
}

func (h *Handler) GetRiskScore(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return response.Error(c, err)
	}
	rs, err := h.svc.GetRiskScore(c.Request().Context(), id)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, rs)
}

func (h *Handler) TriggerActions(c echo.Context) error {
	th := h.defaults
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&th); err != nil {
			return response.Error(c, apperr.Validation("", "malformed request body"))
		}
	}
	rep, err := h.svc.TriggerAutomatedActions(c.Request().Context(), th)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, rep)
}
