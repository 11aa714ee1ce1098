// Package handler writes the HTTP envelopes shared by the callable and webhook
// endpoints.
package handler

import (
	"net/http"

	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/dukerupert/billingsync/internal/middleware"
	"github.com/dukerupert/billingsync/internal/telemetry"
	"github.com/labstack/echo/v4"
)

// Callable status strings sent in the error envelope.
const (
	StatusUnauthenticated    = "UNAUTHENTICATED"
	StatusInvalidArgument    = "INVALID_ARGUMENT"
	StatusFailedPrecondition = "FAILED_PRECONDITION"
	StatusNotFound           = "NOT_FOUND"
	StatusPermissionDenied   = "PERMISSION_DENIED"
	StatusInternal           = "INTERNAL"
)

// CallableErrorBody is the error half of the callable envelope.
type CallableErrorBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ErrorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func ErrorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EUNAUTHENTICATED:
		return http.StatusUnauthorized
	case domain.EINVALID, domain.EPRECONDITION:
		return http.StatusBadRequest
	case domain.EFORBIDDEN:
		return http.StatusForbidden
	case domain.ENOTFOUND:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// CallableStatus maps domain error codes to callable status strings.
func CallableStatus(code string) string {
	switch code {
	case domain.EUNAUTHENTICATED:
		return StatusUnauthenticated
	case domain.EINVALID:
		return StatusInvalidArgument
	case domain.EPRECONDITION:
		return StatusFailedPrecondition
	case domain.EFORBIDDEN:
		return StatusPermissionDenied
	case domain.ENOTFOUND:
		return StatusNotFound
	default:
		return StatusInternal
	}
}

// CallableError logs err and writes {"error": {"status", "message"}}.
// Internal errors are reported to the error tracker and their details hidden.
func CallableError(c echo.Context, err error) error {
	ctx := c.Request().Context()
	code := domain.ErrorCode(err)
	status := ErrorCodeToHTTPStatus(code)

	logger := middleware.GetLogger(ctx)
	event := logger.Warn()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
		telemetry.CaptureErrorFromContext(ctx, err, map[string]interface{}{
			"op": domain.ErrorOp(err),
		})
	}
	event.
		Err(err).
		Str("code", code).
		Str("op", domain.ErrorOp(err)).
		Int("status", status).
		Msg("callable failed")

	return c.JSON(status, map[string]CallableErrorBody{
		"error": {
			Status:  CallableStatus(code),
			Message: domain.ErrorMessage(err),
		},
	})
}

// Success writes {"result": result} with 200.
func Success(c echo.Context, result any) error {
	if result == nil {
		result = map[string]any{}
	}
	return c.JSON(http.StatusOK, map[string]any{"result": result})
}
