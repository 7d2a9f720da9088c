package zone

import (
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"github.com/citywaste/pickup/internal/platform/apperr"
	"github.com/citywaste/pickup/internal/platform/auth"
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// ValidateID checks the zone identifier format used in URLs and imports.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) {
		return apperr.Validation("zone id %q must be lowercase letters, digits, '-' or '_'", id)
	}
	return nil
}

type Handler struct {
	repo Repository
}

func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/zones", h.List)
	api.GET("/zones/:zone", h.Get)
	api.PUT("/zones/:zone", h.Put, auth.RequireRole(auth.RoleOperator))
}

func (h *Handler) List(c echo.Context) error {
	zones, err := h.repo.List(c.Request().Context())
	if err != nil {
		return err
	}
	if zones == nil {
		zones = []*Zone{}
	}
	return c.JSON(http.StatusOK, zones)
}

func (h *Handler) Get(c echo.Context) error {
	z, err := h.repo.Get(c.Request().Context(), c.Param("zone"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, z)
}

type putRequest struct {
	Name   string `json:"name"`
	Active *bool  `json:"active"`
}

func (h *Handler) Put(c echo.Context) error {
	id := c.Param("zone")
	if err := ValidateID(id); err != nil {
		return err
	}
	var req putRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return apperr.Validation("name is required")
	}
	z := &Zone{ID: id, Name: req.Name, Active: req.Active == nil || *req.Active}
	if err := h.repo.Upsert(c.Request().Context(), z); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, z)
}
