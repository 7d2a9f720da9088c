package slottemplate

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/auth"
	"github.com/citywaste/pickup/internal/platform/civil"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/zones/:zone/templates", h.List)
	api.GET("/zones/:zone/templates/:dow", h.Get)

	op := auth.RequireRole(auth.RoleOperator)
	api.PUT("/zones/:zone/templates/:dow", h.Put, op)
	api.DELETE("/zones/:zone/templates/:dow", h.Delete, op)
	api.PUT("/zones/:zone/holidays/:date", h.PutHoliday, op)
	api.DELETE("/zones/:zone/holidays/:date", h.DeleteHoliday, op)
	api.PUT("/zones/:zone/special-dates/:date", h.PutSpecialDate, op)
	api.DELETE("/zones/:zone/special-dates/:date", h.DeleteSpecialDate, op)
}

func dowParam(c echo.Context) (int, error) {
	dow, err := strconv.Atoi(c.Param("dow"))
	if err != nil || dow < 0 || dow > 6 {
		return 0, apperr.Validation("day of week must be 0 (Sunday) through 6")
	}
	return dow, nil
}

func dateParam(c echo.Context) (civil.Date, error) {
	d, err := civil.ParseDate(c.Param("date"))
	if err != nil {
		return civil.Date{}, apperr.Validation("%s", err.Error())
	}
	return d, nil
}

func (h *Handler) List(c echo.Context) error {
	items, err := h.svc.ListTemplates(c.Request().Context(), c.Param("zone"))
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Template{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Get(c echo.Context) error {
	dow, err := dowParam(c)
	if err != nil {
		return err
	}
	tpl, err := h.svc.GetTemplate(c.Request().Context(), c.Param("zone"), dow)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tpl)
}

type putTemplateRequest struct {
	Slots []SlotDefinition `json:"slots"`
}

func (h *Handler) Put(c echo.Context) error {
	dow, err := dowParam(c)
	if err != nil {
		return err
	}
	var req putTemplateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	tpl, err := h.svc.UpsertTemplate(c.Request().Context(), &Template{
		ZoneID:    c.Param("zone"),
		DayOfWeek: dow,
		Slots:     req.Slots,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tpl)
}

func (h *Handler) Delete(c echo.Context) error {
	dow, err := dowParam(c)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteTemplate(c.Request().Context(), c.Param("zone"), dow); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) PutHoliday(c echo.Context) error {
	date, err := dateParam(c)
	if err != nil {
		return err
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.svc.AddHoliday(c.Request().Context(), c.Param("zone"), date, req.Name); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, Holiday{Date: date, Name: req.Name})
}

func (h *Handler) DeleteHoliday(c echo.Context) error {
	date, err := dateParam(c)
	if err != nil {
		return err
	}
	if err := h.svc.RemoveHoliday(c.Request().Context(), c.Param("zone"), date); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type putSpecialDateRequest struct {
	CapacityOverride *int   `json:"capacity_override"`
	IsAvailable      *bool  `json:"is_available"`
	Reason           string `json:"reason"`
}

func (h *Handler) PutSpecialDate(c echo.Context) error {
	date, err := dateParam(c)
	if err != nil {
		return err
	}
	var req putSpecialDateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	sd := SpecialDate{
		Date:             date,
		CapacityOverride: req.CapacityOverride,
		IsAvailable:      req.IsAvailable == nil || *req.IsAvailable,
		Reason:           req.Reason,
	}
	if err := h.svc.SetSpecialDate(c.Request().Context(), c.Param("zone"), sd); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sd)
}

func (h *Handler) DeleteSpecialDate(c echo.Context) error {
	date, err := dateParam(c)
	if err != nil {
		return err
	}
	if err := h.svc.RemoveSpecialDate(c.Request().Context(), c.Param("zone"), date); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
