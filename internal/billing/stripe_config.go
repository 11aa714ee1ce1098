package billing

import (
	"fmt"
	"strings"
	"time"
)

// Secret key prefixes accepted by Validate.
var apiKeyPrefixes = []string{"sk_test_", "sk_live_", "rk_test_", "rk_live_"}

// StripeConfig contains configuration for Stripe provider.
type StripeConfig struct {
	// APIKey is a secret or restricted key (sk_… or rk_…).
	APIKey string

	// WebhookSecret is the endpoint signing secret (whsec_…). It may be empty
	// at start-up; deliveries are then rejected with 400.
	WebhookSecret string

	// WebhookTolerance bounds the age of a signed delivery. Zero uses the
	// SDK default of five minutes.
	WebhookTolerance time.Duration

	// MaxRetries defaults to 2.
	MaxRetries int

	// TimeoutSeconds defaults to 30.
	TimeoutSeconds int
}

// Validate checks that required configuration is present.
func (c *StripeConfig) Validate() error {
	if c.APIKey == "" {
		return ErrInvalidAPIKey
	}
	if !hasAnyPrefix(c.APIKey, apiKeyPrefixes) {
		return fmt.Errorf("%w: key must be a secret or restricted key", ErrInvalidAPIKey)
	}
	if c.WebhookSecret != "" && !strings.HasPrefix(c.WebhookSecret, "whsec_") {
		return fmt.Errorf("%w: webhook secret must start with whsec_", ErrWebhookSecretMissing)
	}
	if c.WebhookTolerance < 0 {
		return fmt.Errorf("billing: webhook tolerance must not be negative")
	}
	return nil
}

// IsTestMode returns true if using test mode API keys.
func (c *StripeConfig) IsTestMode() bool {
	return hasAnyPrefix(c.APIKey, []string{"sk_test_", "rk_test_"})
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
