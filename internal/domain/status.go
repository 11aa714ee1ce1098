package domain

import "strings"

// Normalized subscription statuses stored under subscription.status.
const (
	StatusActive       = "active"
	StatusPending      = "pending"
	StatusExpired      = "expired"
	StatusManualActive = "manual_active"
	StatusGrace        = "grace"
)

// Raw processor statuses that need special handling outside the normalizer.
const (
	RawStatusTrialing = "trialing"
	RawStatusPastDue  = "past_due"
)

var normalizedStatus = map[string]string{
	"active":             StatusActive,
	"trialing":           StatusActive,
	"past_due":           StatusPending,
	"incomplete":         StatusPending,
	"incomplete_expired": StatusPending,
	"paused":             StatusPending,
	"canceled":           StatusExpired,
	"unpaid":             StatusExpired,
}

// NormalizeStatus maps a raw processor subscription status onto the coarse
// vocabulary used by clients. Unknown non-empty statuses pass through unchanged
// so that manual_active and grace survive a round trip.
func NormalizeStatus(raw string) string {
	if raw == "" {
		return StatusPending
	}
	if s, ok := normalizedStatus[raw]; ok {
		return s
	}
	return raw
}

// ShouldGrantAccess is the single source of truth for entitlements.library.
func ShouldGrantAccess(status string) bool {
	switch status {
	case StatusActive, RawStatusTrialing, StatusManualActive, StatusGrace:
		return true
	default:
		return false
	}
}

// NormalizeEmail trims and lower-cases an address. Empty input stays empty and
// callers treat it as absent.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
