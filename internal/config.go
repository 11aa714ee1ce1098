package internal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Env          string
	LogLevel     string
	Port         uint16
	Stripe       StripeConfig
	Checkout     CheckoutConfig
	Verification VerificationConfig
	Firebase     FirebaseConfig
	Database     DatabaseConfig
	NATS         NATSConfig
	Sentry       SentryConfig

	// AllowedOrigins are the browser origins allowed to call the callables.
	AllowedOrigins []string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	PriceID       string // Default price for createSubscription and checkout
	MaxRetries    int
}

// CheckoutConfig holds the redirect targets for hosted flows. Callers may
// override the checkout URLs per request.
type CheckoutConfig struct {
	SuccessURL      string
	CancelURL       string
	PortalReturnURL string
}

// VerificationConfig fixes the payment-method verification charge. Clients
// never choose the amount.
type VerificationConfig struct {
	AmountCents int64
	Currency    string
}

type FirebaseConfig struct {
	ProjectID                string
	CredentialsFile          string // GOOGLE_APPLICATION_CREDENTIALS
	ServiceAccountJSONBase64 string
	UsersCollection          string
}

// DatabaseConfig enables the webhook delivery ledger when URL is set.
type DatabaseConfig struct {
	URL string
}

// NATSConfig enables entitlement change events when URL is set.
type NATSConfig struct {
	URL     string
	Subject string
}

// SentryConfig holds configuration for Sentry error tracking
type SentryConfig struct {
	DSN              string
	Enabled          bool
	Environment      string
	Release          string
	SampleRate       float64
	TracesSampleRate float64
	Debug            bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("PORT", 3000)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	v.SetDefault("STRIPE_MAX_RETRIES", 2)

	v.SetDefault("CHECKOUT_SUCCESS_URL", "https://example.com/billing/success")
	v.SetDefault("CHECKOUT_CANCEL_URL", "https://example.com/billing/cancel")
	v.SetDefault("PORTAL_RETURN_URL", "https://example.com/account")

	v.SetDefault("VERIFICATION_AMOUNT", 1000)
	v.SetDefault("VERIFICATION_CURRENCY", "mxn")

	v.SetDefault("USERS_COLLECTION", "users")
	v.SetDefault("NATS_SUBJECT", "billing.entitlements.changed")

	v.SetDefault("SENTRY_ENABLED", false) // Disabled by default for development
	v.SetDefault("SENTRY_ENVIRONMENT", "development")
	v.SetDefault("SENTRY_SAMPLE_RATE", 1.0)
	v.SetDefault("SENTRY_TRACES_SAMPLE_RATE", 0.0)
	v.SetDefault("SENTRY_DEBUG", false)
}

// loadDotEnv loads .env from the current directory, then walks up at most two
// parent directories.
func loadDotEnv() {
	if err := godotenv.Load(); err == nil {
		return
	}

	dir, _ := os.Getwd()
	for i := 0; i < 2; i++ {
		dir = filepath.Join(dir, "..")
		if err := godotenv.Load(filepath.Join(dir, ".env")); err == nil {
			return
		}
	}
	log.Warn().Msg("Warning: .env file not found, using environment variables and defaults")
}

func NewConfig() (*Config, error) {
	loadDotEnv()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	return configFrom(v)
}

func configFrom(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Env:      strings.ToLower(v.GetString("ENV")),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		Port:     v.GetUint16("PORT"),
		Stripe: StripeConfig{
			SecretKey:     v.GetString("STRIPE_SECRET_KEY"),
			WebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
			PriceID:       v.GetString("STRIPE_PRICE_ID"),
			MaxRetries:    v.GetInt("STRIPE_MAX_RETRIES"),
		},
		Checkout: CheckoutConfig{
			SuccessURL:      v.GetString("CHECKOUT_SUCCESS_URL"),
			CancelURL:       v.GetString("CHECKOUT_CANCEL_URL"),
			PortalReturnURL: v.GetString("PORTAL_RETURN_URL"),
		},
		Verification: VerificationConfig{
			AmountCents: v.GetInt64("VERIFICATION_AMOUNT"),
			Currency:    strings.ToLower(v.GetString("VERIFICATION_CURRENCY")),
		},
		Firebase: FirebaseConfig{
			ProjectID:                v.GetString("FIREBASE_PROJECT_ID"),
			CredentialsFile:          v.GetString("GOOGLE_APPLICATION_CREDENTIALS"),
			ServiceAccountJSONBase64: v.GetString("FIREBASE_SERVICE_ACCOUNT_JSON_BASE64"),
			UsersCollection:          v.GetString("USERS_COLLECTION"),
		},
		Database: DatabaseConfig{
			URL: v.GetString("DATABASE_URL"),
		},
		NATS: NATSConfig{
			URL:     v.GetString("NATS_URL"),
			Subject: v.GetString("NATS_SUBJECT"),
		},
		Sentry: SentryConfig{
			DSN:              v.GetString("SENTRY_DSN"),
			Enabled:          v.GetBool("SENTRY_ENABLED"),
			Environment:      v.GetString("SENTRY_ENVIRONMENT"),
			Release:          v.GetString("SENTRY_RELEASE"),
			SampleRate:       v.GetFloat64("SENTRY_SAMPLE_RATE"),
			TracesSampleRate: v.GetFloat64("SENTRY_TRACES_SAMPLE_RATE"),
			Debug:            v.GetBool("SENTRY_DEBUG"),
		},
		AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
	}

	// Validate env
	validEnv := cfg.Env == "dev" || cfg.Env == "prod"
	if !validEnv {
		log.Warn().Str("env", cfg.Env).Msg("Invalid environment. Using default: prod")
		cfg.Env = "prod"
	}

	// Validate log level
	validLevel := cfg.LogLevel == "info" || cfg.LogLevel == "debug" || cfg.LogLevel == "warn" || cfg.LogLevel == "error"
	if !validLevel {
		log.Warn().Str("value", cfg.LogLevel).Msg("Invalid log level. Using default: info")
		cfg.LogLevel = "info"
	}

	if cfg.Stripe.SecretKey == "" {
		return nil, fmt.Errorf("STRIPE_SECRET_KEY must be set")
	}
	if cfg.Firebase.ProjectID == "" {
		return nil, fmt.Errorf("FIREBASE_PROJECT_ID must be set")
	}
	if cfg.Verification.AmountCents <= 0 {
		return nil, fmt.Errorf("VERIFICATION_AMOUNT must be positive, got %d", cfg.Verification.AmountCents)
	}
	if cfg.Firebase.UsersCollection == "" {
		cfg.Firebase.UsersCollection = "users"
	}

	// Webhooks are rejected with 400 until the secret is configured.
	if cfg.Stripe.WebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set; webhook deliveries will be rejected")
	}

	return cfg, nil
}

// splitList parses a comma-separated env value, dropping blanks.
func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
