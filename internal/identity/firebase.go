package identity

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/auth"
	"github.com/dukerupert/billingsync/internal/domain"
)

// FirebaseProvider implements Provider with Firebase Auth.
type FirebaseProvider struct {
	client *auth.Client
}

// NewFirebaseProvider wraps an initialized Firebase Auth client.
func NewFirebaseProvider(client *auth.Client) *FirebaseProvider {
	return &FirebaseProvider{client: client}
}

func (p *FirebaseProvider) VerifyIDToken(ctx context.Context, token string) (*domain.Identity, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	t, err := p.client.VerifyIDToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := &domain.Identity{UID: t.UID}
	if email, ok := t.Claims["email"].(string); ok {
		id.Email = email
	}
	return id, nil
}

func (p *FirebaseProvider) UIDByEmail(ctx context.Context, email string) (string, error) {
	if email == "" {
		return "", ErrUserNotFound
	}

	u, err := p.client.GetUserByEmail(ctx, email)
	if err != nil {
		if auth.IsUserNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrUserNotFound, email)
		}
		return "", fmt.Errorf("failed to look up identity by email: %w", err)
	}
	return u.UID, nil
}

var _ Provider = (*FirebaseProvider)(nil)
