package booking

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/auth"
)

type Handler struct {
	coord *Coordinator
}

func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/appointments", h.Book)
}

type bookRequest struct {
	// ResidentID lets operators book on a resident's behalf.
	ResidentID string `json:"resident_id"`
	Request
}

func (h *Handler) Book(c echo.Context) error {
	var req bookRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Validation("invalid request body")
	}
	a, err := h.coord.Book(c.Request().Context(), auth.MustActor(c), req.ResidentID, req.Request)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderLocation, "/api/v1/appointments/"+a.ID.String())
	return c.JSON(http.StatusCreated, a)
}
