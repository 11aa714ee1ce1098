package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/dukerupert/billingsync/internal/domain"
)

// MockProvider is a mock identity provider for testing.
type MockProvider struct {
	VerifyIDTokenFunc func(ctx context.Context, token string) (*domain.Identity, error)
	UIDByEmailFunc    func(ctx context.Context, email string) (string, error)

	mu sync.Mutex

	// Tokens maps accepted tokens to identities.
	Tokens map[string]domain.Identity

	// UIDs maps normalized emails to UIDs.
	UIDs map[string]string

	// CallLog tracks method calls for test assertions
	CallLog []string
}

// NewMockProvider creates an empty mock identity provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Tokens: make(map[string]domain.Identity),
		UIDs:   make(map[string]string),
	}
}

// AddUser registers token for uid and maps email to uid.
func (m *MockProvider) AddUser(token, uid, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tokens[token] = domain.Identity{UID: uid, Email: email}
	if email != "" {
		m.UIDs[domain.NormalizeEmail(email)] = uid
	}
}

func (m *MockProvider) VerifyIDToken(ctx context.Context, token string) (*domain.Identity, error) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, "VerifyIDToken")
	m.mu.Unlock()
	if m.VerifyIDTokenFunc != nil {
		return m.VerifyIDTokenFunc(ctx, token)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.Tokens[token]
	if !ok {
		return nil, ErrInvalidToken
	}
	return &id, nil
}

func (m *MockProvider) UIDByEmail(ctx context.Context, email string) (string, error) {
	m.mu.Lock()
	m.CallLog = append(m.CallLog, fmt.Sprintf("UIDByEmail(%s)", email))
	m.mu.Unlock()
	if m.UIDByEmailFunc != nil {
		return m.UIDByEmailFunc(ctx, email)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	uid, ok := m.UIDs[domain.NormalizeEmail(email)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, email)
	}
	return uid, nil
}

var _ Provider = (*MockProvider)(nil)
