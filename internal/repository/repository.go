// Package repository persists per-user billing records in the document store.
package repository

import (
	"context"
	"errors"

	"github.com/dukerupert/billingsync/internal/domain"
)

// ErrNotFound is returned when no user record matches a lookup.
var ErrNotFound = errors.New("user record not found")

// UserStore reads and merge-writes user records.
//
// Merge is the only mutation. It creates the record when it does not exist,
// touches only the fields set in the patch and derives entitlements.library
// from the written subscription status.
type UserStore interface {
	Get(ctx context.Context, uid string) (*domain.User, error)
	FindByCustomerID(ctx context.Context, customerID string) (*domain.User, error)
	FindByEmail(ctx context.Context, email string) (*domain.User, error)
	Merge(ctx context.Context, uid string, patch domain.UserPatch) error
}
