package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/mpi/internal/platform/apperr"
)

// ErrorResponse is the JSON body written for every failed request.
type ErrorResponse struct {
	Error     string            `json:"error"`
	Code      string            `json:"code"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// ErrorHandler maps typed application errors and echo errors to JSON.
// Internal failures are logged and reported without their cause.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		rid, _ := c.Get("request_id").(string)
		status, body := errorBody(err)
		body.RequestID = rid

		if status >= 500 {
			logger.Error().Err(err).Str("request_id", rid).Str("path", c.Request().URL.Path).Msg("request failed")
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(status)
		} else {
			writeErr = c.JSON(status, body)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Str("request_id", rid).Msg("write error response")
		}
	}
}

func errorBody(err error) (int, ErrorResponse) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if s, ok := he.Message.(string); ok {
			msg = s
		}
		return he.Code, ErrorResponse{Error: msg, Code: httpCode(he.Code)}
	}

	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind != apperr.KindInternal {
		return apperr.HTTPStatus(err), ErrorResponse{
			Error:   ae.Message,
			Code:    string(ae.Kind),
			Details: ae.Details,
		}
	}

	return http.StatusInternalServerError, ErrorResponse{
		Error: "internal server error",
		Code:  string(apperr.KindInternal),
	}
}

func httpCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(apperr.KindValidation)
	case http.StatusUnauthorized:
		return "UNAUTHORIZED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return string(apperr.KindNotFound)
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	default:
		if status >= 500 {
			return string(apperr.KindInternal)
		}
		return "HTTP_ERROR"
	}
}
