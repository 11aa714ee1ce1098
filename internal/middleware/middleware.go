package middleware

import (
	"net/http"

	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/labstack/echo/v4"
)

// ============================================================================
// MIDDLEWARE ERROR RESPONSE HELPERS
// ============================================================================
//
// These helpers write the callable error envelope for requests rejected before
// they reach a handler. They mirror handler.CallableError but are
// self-contained to avoid circular imports (handler imports middleware for
// GetLogger).

// respondWithError writes {"error": {"status": ..., "message": ...}}.
func respondWithError(c echo.Context, err error) error {
	code := domain.ErrorCode(err)
	status := errorCodeToHTTPStatus(code)

	logger := GetLogger(c.Request().Context())
	event := logger.Info()
	if status >= http.StatusInternalServerError {
		event = logger.Error()
	}
	event.
		Err(err).
		Str("code", code).
		Int("status", status).
		Msg("request rejected by middleware")

	return c.JSON(status, map[string]any{
		"error": map[string]string{
			"status":  errorCodeToCallableStatus(code),
			"message": domain.ErrorMessage(err),
		},
	})
}

// respondUnauthenticated is a convenience wrapper for 401 errors.
func respondUnauthenticated(c echo.Context) error {
	return respondWithError(c, domain.ErrUnauthenticated)
}

// errorCodeToHTTPStatus maps domain error codes to HTTP status codes.
func errorCodeToHTTPStatus(code string) int {
	switch code {
	case domain.EUNAUTHENTICATED:
		return http.StatusUnauthorized // 401
	case domain.EINVALID, domain.EPRECONDITION:
		return http.StatusBadRequest // 400
	case domain.EFORBIDDEN:
		return http.StatusForbidden // 403
	case domain.ENOTFOUND:
		return http.StatusNotFound // 404
	default:
		return http.StatusInternalServerError // 500
	}
}

func errorCodeToCallableStatus(code string) string {
	switch code {
	case domain.EUNAUTHENTICATED:
		return "UNAUTHENTICATED"
	case domain.EINVALID:
		return "INVALID_ARGUMENT"
	case domain.EPRECONDITION:
		return "FAILED_PRECONDITION"
	case domain.EFORBIDDEN:
		return "PERMISSION_DENIED"
	case domain.ENOTFOUND:
		return "NOT_FOUND"
	default:
		return "INTERNAL"
	}
}
