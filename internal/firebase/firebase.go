// Package firebase bootstraps the Firebase Admin SDK app shared by the
// document store and identity clients.
package firebase

import (
	"context"
	"encoding/base64"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Config selects the project and credentials. With neither credential set the
// SDK falls back to Application Default Credentials.
type Config struct {
	ProjectID                string
	CredentialsFile          string
	ServiceAccountJSONBase64 string
}

// ClientOptions returns the credential options implied by cfg.
func (cfg Config) ClientOptions() ([]option.ClientOption, error) {
	switch {
	case cfg.CredentialsFile != "":
		return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}, nil
	case cfg.ServiceAccountJSONBase64 != "":
		jsonKey, err := base64.StdEncoding.DecodeString(cfg.ServiceAccountJSONBase64)
		if err != nil {
			return nil, fmt.Errorf("FIREBASE_SERVICE_ACCOUNT_JSON_BASE64 is not a valid base64 string: %w", err)
		}
		return []option.ClientOption{option.WithCredentialsJSON(jsonKey)}, nil
	default:
		return nil, nil
	}
}

// NewApp initializes the Firebase app.
func NewApp(ctx context.Context, cfg Config, logger zerolog.Logger) (*firebase.App, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("FIREBASE_PROJECT_ID must be set")
	}

	opts, err := cfg.ClientOptions()
	if err != nil {
		return nil, err
	}

	source := "application default credentials"
	if cfg.CredentialsFile != "" {
		source = "credentials file"
	} else if cfg.ServiceAccountJSONBase64 != "" {
		source = "base64 service account"
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	logger.Info().
		Str("project_id", cfg.ProjectID).
		Str("credentials", source).
		Msg("Firebase initialized")
	return app, nil
}
