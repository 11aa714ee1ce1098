package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/dukerupert/billingsync/internal/identity"
	"github.com/dukerupert/billingsync/internal/telemetry"
	"github.com/labstack/echo/v4"
)

// inlineTokenEnvelope is the slice of a callable request body that can carry
// an identity token when no Authorization header is sent.
type inlineTokenEnvelope struct {
	Data struct {
		AuthToken string `json:"authToken"`
	} `json:"data"`
}

// Authenticate verifies the caller's identity token and attaches the identity
// to the request context. The Authorization bearer header wins; otherwise the
// token is read from data.authToken in the body, which is restored for the
// handler. Requests without a valid token are rejected with UNAUTHENTICATED.
func Authenticate(idp identity.Provider) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			ctx := r.Context()
			logger := GetLogger(ctx)

			token, source, err := extractToken(c)
			if err != nil {
				logger.Debug().Err(err).Msg("could not read request body for inline token")
				return respondUnauthenticated(c)
			}
			if token == "" {
				return respondUnauthenticated(c)
			}

			id, err := idp.VerifyIDToken(ctx, token)
			if err != nil || id == nil || id.UID == "" {
				logger.Info().Err(err).Str("auth_source", source).Msg("identity token rejected")
				return respondUnauthenticated(c)
			}
			id.Source = source

			c.SetRequest(r.WithContext(domain.NewContextWithIdentity(ctx, id)))
			return next(c)
		}
	}
}

func extractToken(c echo.Context) (string, string, error) {
	if token := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization)); token != "" {
		return token, domain.AuthSourceHeader, nil
	}

	r := c.Request()
	if r.Body == nil {
		return "", "", nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return "", "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var envelope inlineTokenEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		// Malformed bodies are reported by the handler, not here.
		return "", "", nil
	}
	return strings.TrimSpace(envelope.Data.AuthToken), domain.AuthSourceInline, nil
}

func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// SentryUser reports the authenticated caller to the error tracker.
func SentryUser(ctx context.Context) *telemetry.UserInfo {
	id := domain.IdentityFromContext(ctx)
	if id == nil {
		return nil
	}
	return &telemetry.UserInfo{ID: id.UID, Email: id.Email}
}
