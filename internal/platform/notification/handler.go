package notification

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/auth"
)

// Handler exposes the retained message history to operators.
type Handler struct {
	notifier *TemplateNotifier
}

func NewHandler(n *TemplateNotifier) *Handler {
	return &Handler{notifier: n}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	op := auth.RequireRole(auth.RoleOperator)
	api.GET("/notifications", h.List, op)
	api.GET("/notifications/stats", h.Stats, op)
}

// List handles GET /notifications?recipient=...&limit=...
func (h *Handler) List(c echo.Context) error {
	recipient := c.QueryParam("recipient")
	if recipient == "" {
		return apperr.Validation("recipient query parameter is required")
	}
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return apperr.Validation("limit must be a positive integer")
		}
		limit = n
	}
	return c.JSON(http.StatusOK, h.notifier.ListByRecipient(recipient, limit))
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.notifier.Stats())
}
