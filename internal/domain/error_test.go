package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	firestoreDown := errors.New("rpc error: code = Unavailable")

	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			name:     "message only",
			err:      &Error{Code: EPRECONDITION, Message: "no billing customer"},
			expected: "no billing customer",
		},
		{
			name:     "with operation",
			err:      &Error{Code: EPRECONDITION, Op: "account.createPortalSession", Message: "no billing customer"},
			expected: "account.createPortalSession: no billing customer",
		},
		{
			name:     "with wrapped error",
			err:      &Error{Code: EINTERNAL, Op: "reconciler.Reconcile", Message: "failed to write subscription state", Err: firestoreDown},
			expected: "reconciler.Reconcile: failed to write subscription state: rpc error: code = Unavailable",
		},
		{
			name:     "wrapped error without op",
			err:      &Error{Code: EINTERNAL, Message: "failed to write subscription state", Err: firestoreDown},
			expected: "failed to write subscription state: rpc error: code = Unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error.Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("subscription sub_123 missing")
	err := fmt.Errorf("webhook: %w", Internal(underlying, "webhook.checkoutCompleted", "failed to fetch subscription"))

	if !errors.Is(err, underlying) {
		t.Error("errors.Is should find the underlying error through both wrappers")
	}
	if got := ErrorCode(err); got != EINTERNAL {
		t.Errorf("ErrorCode() = %q, want %q", got, EINTERNAL)
	}
}

// TestErrorAccessors covers the three accessors the handler package relies on
// to build callable error bodies and log lines.
func TestErrorAccessors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantCode    string
		wantMessage string
		wantOp      string
	}{
		{
			name: "nil error",
		},
		{
			name:        "invalid argument",
			err:         Invalid("account.createEphemeralKey", "api_version is required"),
			wantCode:    EINVALID,
			wantMessage: "api_version is required",
			wantOp:      "account.createEphemeralKey",
		},
		{
			name:        "wrapped not found",
			err:         fmt.Errorf("confirm: %w", NotFound("account.confirmCheckoutSession", "checkout session", "cs_123")),
			wantCode:    ENOTFOUND,
			wantMessage: "checkout session not found: cs_123",
			wantOp:      "account.confirmCheckoutSession",
		},
		{
			name:        "internal hides message",
			err:         Internal(errors.New("dial tcp 10.0.0.1:443"), "stripe.customers.create", "failed to create customer"),
			wantCode:    EINTERNAL,
			wantMessage: "An internal error occurred. Please try again later.",
			wantOp:      "stripe.customers.create",
		},
		{
			name:        "foreign error is internal",
			err:         errors.New("context deadline exceeded"),
			wantCode:    EINTERNAL,
			wantMessage: "An internal error occurred. Please try again later.",
		},
		{
			name:        "unauthenticated sentinel",
			err:         ErrUnauthenticated,
			wantCode:    EUNAUTHENTICATED,
			wantMessage: "Authentication required",
		},
		{
			name:        "unresolved user sentinel",
			err:         ErrUserUnresolved,
			wantCode:    ENOTFOUND,
			wantMessage: "No user matches the billing event",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCode(tt.err); got != tt.wantCode {
				t.Errorf("ErrorCode() = %q, want %q", got, tt.wantCode)
			}
			if got := ErrorMessage(tt.err); got != tt.wantMessage {
				t.Errorf("ErrorMessage() = %q, want %q", got, tt.wantMessage)
			}
			if got := ErrorOp(tt.err); got != tt.wantOp {
				t.Errorf("ErrorOp() = %q, want %q", got, tt.wantOp)
			}
		})
	}
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"Errorf", Errorf(EINVALID, "activation.validate", "durationDays out of range: %d", -100), EINVALID},
		{"Precondition", Precondition("account.createSubscription", "no price configured"), EPRECONDITION},
		{"Forbidden", Forbidden("account.confirmCheckoutSession", "session belongs to another user"), EFORBIDDEN},
		{"NotFound", NotFound("account.confirmCheckoutSession", "checkout session", "cs_1"), ENOTFOUND},
		{"Invalid", Invalid("callable.decode", "malformed request body"), EINVALID},
		{"Internal", Internal(nil, "reconciler.Reconcile", "reconcile requires a user"), EINTERNAL},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !IsCode(tt.err, tt.code) {
				t.Errorf("IsCode(%v, %q) = false", tt.err, tt.code)
			}
			var e *Error
			if !errors.As(tt.err, &e) {
				t.Fatalf("%s should return *Error", tt.name)
			}
		})
	}

	var e *Error
	errors.As(Errorf(EINVALID, "activation.validate", "durationDays out of range: %d", -100), &e)
	if e.Message != "durationDays out of range: -100" {
		t.Errorf("Errorf message = %q", e.Message)
	}
}

func TestWrapError(t *testing.T) {
	t.Run("wraps non-nil error", func(t *testing.T) {
		underlying := errors.New("no such document")
		err := WrapError(underlying, ENOTFOUND, "store.Get", "user not found: uid-1")

		if !IsCode(err, ENOTFOUND) {
			t.Errorf("code = %q, want %q", ErrorCode(err), ENOTFOUND)
		}
		if !errors.Is(err, underlying) {
			t.Error("should wrap underlying error")
		}
		if got := ErrorMessage(err); got != "user not found: uid-1" {
			t.Errorf("ErrorMessage() = %q", got)
		}
	})

	t.Run("returns nil for nil error", func(t *testing.T) {
		if err := WrapError(nil, EINTERNAL, "store.Get", "unused"); err != nil {
			t.Errorf("WrapError(nil) should return nil, got %v", err)
		}
	})
}

func TestIsCode_UnresolvedIsDistinguishable(t *testing.T) {
	resolverErr := fmt.Errorf("resolve customer cus_1: %w", ErrUserUnresolved)

	if !errors.Is(resolverErr, ErrUserUnresolved) {
		t.Error("wrapped sentinel should match with errors.Is")
	}
	if errors.Is(NotFound("resolver", "user", "cus_1"), ErrUserUnresolved) {
		t.Error("an ordinary not-found must not match the unresolved sentinel")
	}
	if !IsCode(resolverErr, ENOTFOUND) {
		t.Errorf("code = %q, want %q", ErrorCode(resolverErr), ENOTFOUND)
	}
}
