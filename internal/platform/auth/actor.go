// Package auth carries the caller identity through the request context.
// Identity is asserted by the fronting gateway in trusted headers; this
// service does not authenticate callers itself.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type Role string

const (
	RoleResident Role = "resident"
	RoleOperator Role = "operator"
)

const (
	ActorIDHeader   = "X-Actor-ID"
	ActorRoleHeader = "X-Actor-Role"
)

// Actor is the caller performing an operation.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsOperator() bool { return a.Role == RoleOperator }

// CanAccess reports whether a may act on a record owned by residentID.
func (a Actor) CanAccess(residentID string) bool {
	return a.IsOperator() || (a.ID != "" && a.ID == residentID)
}

// System is the actor used by background jobs.
var System = Actor{ID: "system", Role: RoleOperator}

type contextKey string

const actorKey contextKey = "actor"

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromContext returns the actor stored by Middleware and whether one was
// present.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey).(Actor)
	return a, ok
}

// Middleware reads the actor headers. Requests without an actor id are
// rejected; a missing role defaults to resident.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := strings.TrimSpace(c.Request().Header.Get(ActorIDHeader))
			if id == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing "+ActorIDHeader+" header")
			}

			role := Role(strings.ToLower(strings.TrimSpace(c.Request().Header.Get(ActorRoleHeader))))
			switch role {
			case "":
				role = RoleResident
			case RoleResident, RoleOperator:
			default:
				return echo.NewHTTPError(http.StatusBadRequest, "unknown actor role")
			}

			actor := Actor{ID: id, Role: role}
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), actor)))
			c.Set("actor_id", id)
			return next(c)
		}
	}
}

// RequireRole rejects callers whose role is not one of roles.
func RequireRole(roles ...Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor, ok := ActorFromContext(c.Request().Context())
			if ok {
				for _, r := range roles {
					if actor.Role == r {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "operation not permitted for this role")
		}
	}
}

// MustActor returns the request actor. Handlers behind Middleware always
// have one; a zero Actor is returned otherwise.
func MustActor(c echo.Context) Actor {
	a, _ := ActorFromContext(c.Request().Context())
	return a
}
