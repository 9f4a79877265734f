package collection

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
	read := api.Group("/collections", auth.RequireRole("billing", "viewer"))
	read.GET("/tasks", h.ListTasks)
	read.GET("/tasks/:id", h.GetTask)
	read.GET("/payment-plans/:id", h.GetPlan)

	write := api.Group("/collections", auth.RequireRole("billing"))
	write.POST("/workflows", h.InitiateWorkflow)
	write.POST("/statements", h.GenerateStatement)
	write.POST("/follow-ups", h.ScheduleFollowUp)
	write.POST("/payment-plans", h.SetupPaymentPlan)
	write.POST("/payment-plans/:id/payments", h.RecordInstallmentPayment)
	write.POST("/process", h.Process)
}

func pathID(c echo.Context, what string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("id", "invalid %s id", what)
	}
	return id, nil
}

func bad() error { return apperr.Validation("", "malformed request body") }

func (h *Handler) InitiateWorkflow(c echo.Context) error {
	var cmd InitiateWorkflowCommand
	if err := c.Bind(&cmd); err != nil {
		return response.Error(c, bad())
	}
	tasks, err := h.svc.InitiateWorkflow(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, tasks)
}

func (h *Handler) GenerateStatement(c echo.Context) error {
	var cmd StatementCommand
	if err := c.Bind(&cmd); err != nil {
		return response.Error(c, bad())
	}
	t, err := h.svc.GenerateStatement(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, t)
}

func (h *Handler) ScheduleFollowUp(c echo.Context) error {
	var cmd FollowUpCommand
	if err := c.Bind(&cmd); err != nil {
		return response.Error(c, bad())
	}
	t, err := h.svc.ScheduleFollowUp(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, t)
}

func (h *Handler) SetupPaymentPlan(c echo.Context) error {
	var cmd PaymentPlanCommand
	if err := c.Bind(&cmd); err != nil {
		return response.Error(c, bad())
	}
	p, err := h.svc.SetupPaymentPlan(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.Created(c, p)
}

func (h *Handler) RecordInstallmentPayment(c echo.Context) error {
	id, err := pathID(c, "payment plan")
	if err != nil {
		return response.Error(c, err)
	}
	var cmd InstallmentPaymentCommand
	if err := c.Bind(&cmd); err != nil {
		return response.Error(c, bad())
	}
	cmd.PlanID = id
	p, err := h.svc.RecordInstallmentPayment(c.Request().Context(), cmd)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, p)
}

func (h *Handler) GetPlan(c echo.Context) error {
	id, err := pathID(c, "payment plan")
	if err != nil {
		return response.Error(c, err)
	}
	p, err := h.svc.GetPlan(c.Request().Context(), id)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, p)
}

func (h *Handler) Process(c echo.Context) error {
	rep, err := h.svc.ProcessWorkflowActions(c.Request().Context())
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, rep)
}

func (h *Handler) GetTask(c echo.Context) error {
	id, err := pathID(c, "task")
	if err != nil {
		return response.Error(c, err)
	}
	t, err := h.svc.GetTask(c.Request().Context(), id)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, t)
}

// ListTasks accepts ?account_id=&status=.
func (h *Handler) ListTasks(c echo.Context) error {
	p := pagination.FromContext(c)
	f := TaskFilter{Status: TaskStatus(c.QueryParam("status")), Limit: p.Limit, Offset: p.Offset}
	if raw := c.QueryParam("account_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return response.Error(c, apperr.Validation("account_id", "invalid account id"))
		}
		f.AccountID = &id
	}
	switch f.Status {
	case "", TaskScheduled, TaskExecuted, TaskSkipped, TaskFailed:
	default:
		return response.Error(c, apperr.Validation("status", "unknown task status %q", f.Status))
	}
	items, total, err := h.svc.ListTasks(c.Request().Context(), f)
	if err != nil {
		return response.Error(c, err)
	}
	return response.OK(c, pagination.NewResponse(items, total, p))
}
