// Package identity verifies caller tokens and maps emails to UIDs through the
// identity provider.
package identity

import (
	"context"
	"errors"

	"github.com/dukerupert/billingsync/internal/domain"
)

var (
	// ErrInvalidToken is returned for missing, malformed, expired or revoked tokens.
	ErrInvalidToken = errors.New("invalid identity token")

	// ErrUserNotFound is returned when no identity matches an email.
	ErrUserNotFound = errors.New("identity not found")
)

// Provider is the identity provider boundary.
type Provider interface {
	// VerifyIDToken verifies a bearer token and returns the caller's UID and
	// email. The Source field is left for the caller to fill.
	VerifyIDToken(ctx context.Context, token string) (*domain.Identity, error)

	// UIDByEmail returns the UID registered under email.
	UIDByEmail(ctx context.Context, email string) (string, error)
}
