package domain

import (
	"time"
)

// =============================================================================
// USER RECORD
// =============================================================================

// UsersCollection is the default document collection holding one record per
// identity-provider UID.
const UsersCollection = "users"

// User is the per-user document. The document id is the identity-provider UID.
// Records are created implicitly by the first merge-write and never deleted.
type User struct {
	UID                  string             `firestore:"-"`
	Email                string             `firestore:"email,omitempty"`
	StripeCustomerID     string             `firestore:"stripeCustomerId,omitempty"`
	StripeSubscriptionID string             `firestore:"stripeSubscriptionId,omitempty"`
	SubscriptionStatus   string             `firestore:"subscriptionStatus,omitempty"`
	Subscription         *SubscriptionState `firestore:"subscription,omitempty"`
	Entitlements         Entitlements       `firestore:"entitlements"`
	UpdatedAt            time.Time          `firestore:"updatedAt,omitempty"`
}

// SubscriptionState is the `subscription` sub-document.
type SubscriptionState struct {
	Status        string     `firestore:"status"`
	PaymentMethod *string    `firestore:"paymentMethod"`
	StartDate     *time.Time `firestore:"startDate"`
	EndDate       *time.Time `firestore:"endDate"`
	GraceEndsAt   *time.Time `firestore:"graceEndsAt"`
	UpdatedAt     time.Time  `firestore:"updatedAt,omitempty"`
}

// Entitlements holds derived access flags.
type Entitlements struct {
	Library bool `firestore:"library"`
}

// HasCustomer reports whether the user already owns a billing customer.
func (u *User) HasCustomer() bool {
	return u != nil && u.StripeCustomerID != ""
}

// HasSubscription reports whether a subscription id is on record.
func (u *User) HasSubscription() bool {
	return u != nil && u.StripeSubscriptionID != ""
}

// =============================================================================
// MERGE PATCHES
// =============================================================================

// UserPatch describes a field-level merge-write against a user record.
// Unset fields are left untouched. There is no entitlement field: stores derive
// entitlements.library from Subscription.Status whenever the status is written.
type UserPatch struct {
	Email                Opt[string]
	StripeCustomerID     Opt[string]
	StripeSubscriptionID Opt[string]
	SubscriptionStatus   Opt[string]
	Subscription         *SubscriptionPatch
}

// SubscriptionPatch is the merge-write for the `subscription` sub-document.
type SubscriptionPatch struct {
	Status        Opt[string]
	PaymentMethod Opt[string]
	StartDate     Opt[time.Time]
	EndDate       Opt[time.Time]
	GraceEndsAt   Opt[time.Time]
}

// Library returns the entitlement implied by the patch and whether the patch
// determines it at all.
func (p UserPatch) Library() (granted bool, ok bool) {
	if p.Subscription == nil || !p.Subscription.Status.Set || p.Subscription.Status.Value == nil {
		return false, false
	}
	return ShouldGrantAccess(*p.Subscription.Status.Value), true
}

// IsEmpty reports whether the patch would write nothing but timestamps.
func (p UserPatch) IsEmpty() bool {
	return !p.Email.Set && !p.StripeCustomerID.Set && !p.StripeSubscriptionID.Set &&
		!p.SubscriptionStatus.Set && p.Subscription == nil
}

// Opt is a tri-state patch field: absent (Set false), explicit null
// (Set true, Value nil) or a value.
type Opt[T any] struct {
	Set   bool
	Value *T
}

// Some returns a set field holding v.
func Some[T any](v T) Opt[T] {
	return Opt[T]{Set: true, Value: &v}
}

// Null returns a set field that clears the stored value.
func Null[T any]() Opt[T] {
	return Opt[T]{Set: true}
}

// Maybe returns a set field holding *v, or an explicit null when v is nil.
func Maybe[T any](v *T) Opt[T] {
	if v == nil {
		return Null[T]()
	}
	return Some(*v)
}

// IfPresent returns a set field when v is non-empty and an absent field otherwise.
func IfPresent(v string) Opt[string] {
	if v == "" {
		return Opt[string]{}
	}
	return Some(v)
}

// TimeOrNull maps the zero time to an explicit null.
func TimeOrNull(t time.Time) Opt[time.Time] {
	if t.IsZero() {
		return Null[time.Time]()
	}
	return Some(t)
}
