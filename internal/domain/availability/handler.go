package availability

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/citywaste/pickup/internal/domain/slottemplate"
	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/civil"
)

type Handler struct {
	engine         *Engine
	defaultHorizon int
}

func NewHandler(engine *Engine, defaultHorizon int) *Handler {
	if defaultHorizon <= 0 {
		defaultHorizon = 14
	}
	return &Handler{engine: engine, defaultHorizon: defaultHorizon}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/zones/:zone/availability")
	g.GET("", h.Slots)
	g.GET("/dates", h.Dates)
	g.GET("/next", h.Next)
	g.GET("/check", h.Check)
}

func queryDate(c echo.Context, name string, fallback civil.Date) (civil.Date, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		if fallback.IsZero() {
			return civil.Date{}, apperr.Validation("%s is required", name)
		}
		return fallback, nil
	}
	d, err := civil.ParseDate(raw)
	if err != nil {
		return civil.Date{}, apperr.Validation("%s", err.Error())
	}
	return d, nil
}

type slotsResponse struct {
	ZoneID string             `json:"zone_id"`
	Date   civil.Date         `json:"date"`
	Slots  []SlotAvailability `json:"slots"`
}

func (h *Handler) Slots(c echo.Context) error {
	date, err := queryDate(c, "date", civil.Date{})
	if err != nil {
		return err
	}
	zoneID := c.Param("zone")
	slots, err := h.engine.GetAvailableSlots(c.Request().Context(), zoneID, date)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, slotsResponse{ZoneID: zoneID, Date: date, Slots: slots})
}

func (h *Handler) Dates(c echo.Context) error {
	days := h.defaultHorizon
	if raw := c.QueryParam("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 90 {
			return apperr.Validation("days must be between 1 and 90")
		}
		days = n
	}
	dates, err := h.engine.GetAvailableDates(c.Request().Context(), c.Param("zone"), days)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dates)
}

func (h *Handler) Next(c echo.Context) error {
	after, err := queryDate(c, "after", h.engine.Today())
	if err != nil {
		return err
	}
	next, err := h.engine.FindNextAvailableSlot(c.Request().Context(), c.Param("zone"), after)
	if err != nil {
		return err
	}
	if next == nil {
		return apperr.NotFound("available slot")
	}
	return c.JSON(http.StatusOK, next)
}

func (h *Handler) Check(c echo.Context) error {
	date, err := queryDate(c, "date", civil.Date{})
	if err != nil {
		return err
	}
	slot := slottemplate.TimeSlot{
		Start: slottemplate.TimeOfDay(c.QueryParam("start")),
		End:   slottemplate.TimeOfDay(c.QueryParam("end")),
	}
	res, err := h.engine.CheckSlotAvailability(c.Request().Context(), c.Param("zone"), date, slot)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
