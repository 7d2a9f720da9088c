package appointment

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/citywaste/pickup/internal/domain/slottemplate"
	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/auth"
	"github.com/citywaste/pickup/internal/platform/civil"
	"github.com/citywaste/pickup/internal/platform/clock"
	"github.com/citywaste/pickup/pkg/pagination"
)

type Handler struct {
	mgr   *Manager
	clock clock.Clock
}

func NewHandler(mgr *Manager, clk clock.Clock) *Handler {
	return &Handler{mgr: mgr, clock: clk}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/appointments/:id", h.Get)
	api.POST("/appointments/:id/cancel", h.Cancel)
	api.POST("/appointments/:id/reschedule", h.Reschedule)
	api.GET("/residents/:resident/appointments", h.ListResident)
	api.GET("/residents/:resident/calendar.ics", h.Calendar)

	op := auth.RequireRole(auth.RoleOperator)
	api.GET("/appointments", h.ListByStatus, op)
	api.GET("/appointments/reminders/due", h.DueReminders, op)
	api.GET("/zones/:zone/appointments", h.ListZone, op)
	api.POST("/appointments/:id/confirm", h.Confirm, op)
	api.POST("/appointments/:id/start", h.Start, op)
	api.POST("/appointments/:id/complete", h.Complete, op)
	api.POST("/appointments/:id/no-show", h.NoShow, op)
}

func idParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("invalid appointment id")
	}
	return id, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return apperr.Validation("invalid request body")
	}
	return nil
}

func writePage(c echo.Context, p pagination.Params, items []*Appointment, total int) error {
	if items == nil {
		items = []*Appointment{}
	}
	p.SetLinkHeader(c, c.Request().URL.Path, total)
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	a, err := h.mgr.Get(c.Request().Context(), auth.MustActor(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

// ListResident serves ?scope=upcoming (default) or ?scope=past.
func (h *Handler) ListResident(c echo.Context) error {
	ctx, actor, resident := c.Request().Context(), auth.MustActor(c), c.Param("resident")
	p := pagination.FromContext(c)
	var (
		items []*Appointment
		total int
		err   error
	)
	switch scope := c.QueryParam("scope"); scope {
	case "", "upcoming":
		items, total, err = h.mgr.Upcoming(ctx, actor, resident, p)
	case "past":
		items, total, err = h.mgr.Past(ctx, actor, resident, p)
	default:
		return apperr.Validation("scope must be upcoming or past")
	}
	if err != nil {
		return err
	}
	return writePage(c, p, items, total)
}

func (h *Handler) Calendar(c echo.Context) error {
	items, _, err := h.mgr.Upcoming(c.Request().Context(), auth.MustActor(c), c.Param("resident"), pagination.Params{})
	if err != nil {
		return err
	}
	body := Calendar(items, h.mgr.loc, h.clock.Now())
	return c.Blob(http.StatusOK, "text/calendar; charset=utf-8", []byte(body))
}

func (h *Handler) ListByStatus(c echo.Context) error {
	status, err := ParseStatus(c.QueryParam("status"))
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	items, total, err := h.mgr.ByStatus(c.Request().Context(), auth.MustActor(c), status, p)
	if err != nil {
		return err
	}
	return writePage(c, p, items, total)
}

func (h *Handler) ListZone(c echo.Context) error {
	from, err := civil.ParseDate(c.QueryParam("from"))
	if err != nil {
		return apperr.Validation("from: %s", err.Error())
	}
	to := from
	if raw := c.QueryParam("to"); raw != "" {
		if to, err = civil.ParseDate(raw); err != nil {
			return apperr.Validation("to: %s", err.Error())
		}
	}
	p := pagination.FromContext(c)
	items, total, err := h.mgr.ByZone(c.Request().Context(), auth.MustActor(c), c.Param("zone"), from, to, p)
	if err != nil {
		return err
	}
	return writePage(c, p, items, total)
}

func (h *Handler) DueReminders(c echo.Context) error {
	hours := 24
	if raw := c.QueryParam("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return apperr.Validation("hours must be a non-negative integer")
		}
		hours = n
	}
	items, err := h.mgr.NeedsReminder(c.Request().Context(), hours)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Confirm(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req Assignment
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := h.mgr.Confirm(c.Request().Context(), auth.MustActor(c), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Start(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	a, err := h.mgr.StartCollection(c.Request().Context(), auth.MustActor(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

type completeRequest struct {
	ActualAmount *float64 `json:"actual_amount"`
	Notes        string   `json:"notes"`
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req completeRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.ActualAmount == nil {
		return apperr.Validation("actual_amount is required")
	}
	a, err := h.mgr.Complete(c.Request().Context(), auth.MustActor(c), id, *req.ActualAmount, req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	a, err := h.mgr.Cancel(c.Request().Context(), auth.MustActor(c), id, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) NoShow(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	a, err := h.mgr.MarkNoShow(c.Request().Context(), auth.MustActor(c), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

type rescheduleRequest struct {
	Date  *civil.Date            `json:"date"`
	Start slottemplate.TimeOfDay `json:"start"`
	End   slottemplate.TimeOfDay `json:"end"`
}

func (h *Handler) Reschedule(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var body rescheduleRequest
	if err := bind(c, &body); err != nil {
		return err
	}
	req := RescheduleRequest{Date: body.Date}
	if body.Start != "" || body.End != "" {
		req.Slot = &slottemplate.TimeSlot{Start: body.Start, End: body.End}
	}
	a, err := h.mgr.Reschedule(c.Request().Context(), auth.MustActor(c), id, req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}
