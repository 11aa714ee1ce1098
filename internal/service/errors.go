package service

import (
	"errors"

	"github.com/dukerupert/billingsync/internal/billing"
	"github.com/dukerupert/billingsync/internal/domain"
)

// Configuration errors - use domain.EPRECONDITION
var (
	ErrPriceNotConfigured     = domain.Errorf(domain.EPRECONDITION, "", "Subscription price is not configured")
	ErrReturnURLNotConfigured = domain.Errorf(domain.EPRECONDITION, "", "Checkout return URLs are not configured")
)

// User state errors - use domain.EPRECONDITION
var (
	ErrNoCustomer     = domain.Errorf(domain.EPRECONDITION, "", "Billing customer does not exist")
	ErrNoSubscription = domain.Errorf(domain.EPRECONDITION, "", "No subscription on record")
	ErrNoEmail        = domain.Errorf(domain.EPRECONDITION, "", "An email address is required to activate access")
)

// Validation errors - use domain.EINVALID
var (
	ErrAPIVersionRequired = domain.Errorf(domain.EINVALID, "", "api_version is required")
	ErrSessionIDRequired  = domain.Errorf(domain.EINVALID, "", "sessionId is required")
)

// Ownership errors - use domain.EFORBIDDEN
var (
	ErrSessionNotOwned = domain.Errorf(domain.EFORBIDDEN, "", "Checkout session belongs to another user")
)

// Processor errors
var (
	ErrMissingClientSecret = domain.Errorf(domain.EINTERNAL, "", "Processor did not return a client secret")
)

// remoteError classifies a failed fetch of an operation's primary object:
// a missing object is not-found, anything else is internal.
func remoteError(err error, op, resource, id string) error {
	if errors.Is(err, billing.ErrNotFound) {
		return domain.WrapError(err, domain.ENOTFOUND, op, resource+" not found: "+id)
	}
	return domain.Internal(err, op, "failed to fetch "+resource)
}
