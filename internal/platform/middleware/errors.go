package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/citywaste/pickup/internal/platform/apperr"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ErrorHandler renders apperr errors with their mapped status and verbatim
// message. Unclassified errors become a generic 500 and the cause is logged.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status, body := render(err)
		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Msg("request failed")
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}

func render(err error) (int, ErrorBody) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		return he.Code, ErrorBody{Error: msg}
	}

	if errors.Is(err, context.DeadlineExceeded) && apperr.KindOf(err) == apperr.KindInternal {
		return http.StatusGatewayTimeout, ErrorBody{Error: "request processing exceeded the allowed time limit"}
	}

	kind := apperr.KindOf(err)
	body := ErrorBody{Error: apperr.PublicMessage(err), Reason: apperr.ReasonOf(err)}
	if kind != apperr.KindInternal {
		body.Kind = kind.String()
	}
	return apperr.HTTPStatus(err), body
}
