package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/dukerupert/billingsync/internal/identity"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// HELPERS
// =============================================================================

type callableError struct {
	Error struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeCallableError(t *testing.T, rec *httptest.ResponseRecorder) callableError {
	t.Helper()
	var body callableError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// serve runs a single request through mw and a handler that records what it saw.
func serve(t *testing.T, mw echo.MiddlewareFunc, req *http.Request, handler echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.POST("/callable/:name", handler, mw)
	e.GET("/callable/:name", handler, mw)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

// =============================================================================
// AUTHENTICATE
// =============================================================================

func TestAuthenticate(t *testing.T) {
	idp := identity.NewMockProvider()
	idp.AddUser("good-token", "user_1", "ada@example.com")

	tests := []struct {
		name       string
		header     string
		body       string
		wantStatus int
		wantUID    string
		wantSource string
	}{
		{
			name:       "bearer header",
			header:     "Bearer good-token",
			body:       `{"data":{}}`,
			wantStatus: http.StatusOK,
			wantUID:    "user_1",
			wantSource: domain.AuthSourceHeader,
		},
		{
			name:       "lowercase scheme",
			header:     "bearer good-token",
			body:       `{"data":{}}`,
			wantStatus: http.StatusOK,
			wantUID:    "user_1",
			wantSource: domain.AuthSourceHeader,
		},
		{
			name:       "inline token",
			body:       `{"data":{"authToken":"good-token","sessionId":"cs_1"}}`,
			wantStatus: http.StatusOK,
			wantUID:    "user_1",
			wantSource: domain.AuthSourceInline,
		},
		{
			name:       "header wins over inline",
			header:     "Bearer good-token",
			body:       `{"data":{"authToken":"bad-token"}}`,
			wantStatus: http.StatusOK,
			wantUID:    "user_1",
			wantSource: domain.AuthSourceHeader,
		},
		{
			name:       "missing token",
			body:       `{"data":{}}`,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid header token",
			header:     "Bearer bad-token",
			body:       `{"data":{}}`,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "invalid inline token",
			body:       `{"data":{"authToken":"bad-token"}}`,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "non-bearer scheme",
			header:     "Basic good-token",
			body:       `{"data":{}}`,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "malformed body",
			body:       `not json`,
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/callable/ping", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			if tt.header != "" {
				req.Header.Set(echo.HeaderAuthorization, tt.header)
			}

			var seen *domain.Identity
			var seenBody string
			rec := serve(t, Authenticate(idp), req, func(c echo.Context) error {
				seen = domain.IdentityFromContext(c.Request().Context())
				b, _ := io.ReadAll(c.Request().Body)
				seenBody = string(b)
				return c.NoContent(http.StatusOK)
			})

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus != http.StatusOK {
				assert.Nil(t, seen)
				body := decodeCallableError(t, rec)
				assert.Equal(t, "UNAUTHENTICATED", body.Error.Status)
				return
			}

			require.NotNil(t, seen)
			assert.Equal(t, tt.wantUID, seen.UID)
			assert.Equal(t, "ada@example.com", seen.Email)
			assert.Equal(t, tt.wantSource, seen.Source)
			assert.Equal(t, tt.body, seenBody, "body must be restored for the handler")
		})
	}
}

func TestSentryUser(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, SentryUser(req.Context()))

	ctx := domain.NewContextWithIdentity(req.Context(), &domain.Identity{UID: "user_1", Email: "ada@example.com"})
	user := SentryUser(ctx)
	require.NotNil(t, user)
	assert.Equal(t, "user_1", user.ID)
	assert.Equal(t, "ada@example.com", user.Email)
}

// =============================================================================
// REQUEST ID AND LOGGER
// =============================================================================

func TestRequestID(t *testing.T) {
	t.Run("generates when absent", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/callable/ping", nil)
		var seen string
		rec := serve(t, RequestID(), req, func(c echo.Context) error {
			seen = GetRequestID(c.Request().Context())
			return c.NoContent(http.StatusOK)
		})

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(echo.HeaderXRequestID))
	})

	t.Run("propagates incoming header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/callable/ping", nil)
		req.Header.Set(echo.HeaderXRequestID, "req-123")
		var seen string
		rec := serve(t, RequestID(), req, func(c echo.Context) error {
			seen = GetRequestID(c.Request().Context())
			return c.NoContent(http.StatusOK)
		})

		assert.Equal(t, "req-123", seen)
		assert.Equal(t, "req-123", rec.Header().Get(echo.HeaderXRequestID))
	})
}

func TestRequestLogger(t *testing.T) {
	var buf strings.Builder
	base := zerolog.New(&buf)

	e := echo.New()
	e.Use(RequestID(), RequestLogger(base))
	e.GET("/callable/:name", func(c echo.Context) error {
		GetLogger(c.Request().Context()).Info().Msg("inside handler")
		return c.NoContent(http.StatusAccepted)
	})

	req := httptest.NewRequest(http.MethodGet, "/callable/ping", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-abc")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, `"request_id":"req-abc"`)
		assert.Contains(t, line, `"path":"/callable/ping"`)
	}
	assert.Contains(t, lines[1], `"status":202`)
}

// =============================================================================
// RATE LIMIT
// =============================================================================

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 0.001, BurstSize: 2, CleanupInterval: time.Hour})
	defer rl.Stop()

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"), "buckets are per key")
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 0.001, BurstSize: 1, CleanupInterval: time.Hour})
	defer rl.Stop()

	e := echo.New()
	e.GET("/callable/:name", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, rl.Middleware())

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/callable/ping", nil)
		req.RemoteAddr = "203.0.113.9:1234"
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusOK, do().Code)
	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "RESOURCE_EXHAUSTED", decodeCallableError(t, rec).Error.Status)
}

func TestCallerKey(t *testing.T) {
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	assert.Equal(t, "ip:203.0.113.9", CallerKey(e.NewContext(req, httptest.NewRecorder())))

	req = req.WithContext(domain.NewContextWithIdentity(req.Context(), &domain.Identity{UID: "user_1"}))
	assert.Equal(t, "uid:user_1", CallerKey(e.NewContext(req, httptest.NewRecorder())))
}

// =============================================================================
// LIMITS, SECURITY, METRICS
// =============================================================================

func TestMaxBodySize(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/callable/ping", strings.NewReader(strings.Repeat("x", 64)))
	rec := serve(t, MaxBodySize(16), req, func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/callable/ping", strings.NewReader("small"))
	rec = serve(t, MaxBodySize(16), req, func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/callable/ping", nil)
	rec := serve(t, SecurityHeaders(DefaultSecurityHeadersConfig()), req, func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "max-age=31536000; includeSubDomains", rec.Header().Get("Strict-Transport-Security"))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/callable/:name", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callable/ping", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `test_http_requests_total{method="GET",path="/callable/:name",status="200"} 1`)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorCodeMapping(t *testing.T) {
	tests := []struct {
		code       string
		wantHTTP   int
		wantStatus string
	}{
		{domain.EUNAUTHENTICATED, http.StatusUnauthorized, "UNAUTHENTICATED"},
		{domain.EINVALID, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{domain.EPRECONDITION, http.StatusBadRequest, "FAILED_PRECONDITION"},
		{domain.EFORBIDDEN, http.StatusForbidden, "PERMISSION_DENIED"},
		{domain.ENOTFOUND, http.StatusNotFound, "NOT_FOUND"},
		{domain.EINTERNAL, http.StatusInternalServerError, "INTERNAL"},
		{"unknown", http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.wantHTTP, errorCodeToHTTPStatus(tt.code))
			assert.Equal(t, tt.wantStatus, errorCodeToCallableStatus(tt.code))
		})
	}
}
