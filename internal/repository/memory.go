package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/billingsync/internal/domain"
)

// MemoryStore is an in-process UserStore with the same merge semantics as the
// Firestore store. Used by tests and local runs without credentials.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]*domain.User
	now   func() time.Time

	// Merges records every applied patch for test assertions.
	Merges []MergeCall
}

// MergeCall is one recorded Merge invocation.
type MergeCall struct {
	UID   string
	Patch domain.UserPatch
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]*domain.User),
		now:   time.Now,
	}
}

// Put seeds a record, replacing any existing one.
func (s *MemoryStore) Put(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneUser(&u)
	s.users[u.UID] = cp
}

func (s *MemoryStore) Get(ctx context.Context, uid string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[uid]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", uid, ErrNotFound)
	}
	return cloneUser(u), nil
}

func (s *MemoryStore) FindByCustomerID(ctx context.Context, customerID string) (*domain.User, error) {
	return s.findOne("stripeCustomerId", customerID, func(u *domain.User) bool {
		return u.StripeCustomerID == customerID
	})
}

func (s *MemoryStore) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	email = domain.NormalizeEmail(email)
	return s.findOne("email", email, func(u *domain.User) bool {
		return u.Email == email
	})
}

// findOne scans in UID order so results are deterministic.
func (s *MemoryStore) findOne(field, value string, match func(*domain.User) bool) (*domain.User, error) {
	if value == "" {
		return nil, fmt.Errorf("find user by %s: empty value: %w", field, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uids := make([]string, 0, len(s.users))
	for uid := range s.users {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	for _, uid := range uids {
		if u := s.users[uid]; match(u) {
			return cloneUser(u), nil
		}
	}
	return nil, fmt.Errorf("user with %s %q: %w", field, value, ErrNotFound)
}

func (s *MemoryStore) Merge(ctx context.Context, uid string, patch domain.UserPatch) error {
	if uid == "" {
		return fmt.Errorf("merge user: empty uid")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[uid]
	if !ok {
		u = &domain.User{UID: uid}
		s.users[uid] = u
	}
	now := s.now().UTC()

	applyString(&u.Email, patch.Email)
	applyString(&u.StripeCustomerID, patch.StripeCustomerID)
	applyString(&u.StripeSubscriptionID, patch.StripeSubscriptionID)
	applyString(&u.SubscriptionStatus, patch.SubscriptionStatus)

	if sp := patch.Subscription; sp != nil {
		if u.Subscription == nil {
			u.Subscription = &domain.SubscriptionState{}
		}
		st := u.Subscription
		applyString(&st.Status, sp.Status)
		if sp.PaymentMethod.Set {
			st.PaymentMethod = copyPtr(sp.PaymentMethod.Value)
		}
		applyTime(&st.StartDate, sp.StartDate)
		applyTime(&st.EndDate, sp.EndDate)
		applyTime(&st.GraceEndsAt, sp.GraceEndsAt)
		st.UpdatedAt = now
	}

	if library, ok := patch.Library(); ok {
		u.Entitlements.Library = library
	}
	u.UpdatedAt = now

	s.Merges = append(s.Merges, MergeCall{UID: uid, Patch: patch})
	return nil
}

// MergeCount returns the number of merges applied to uid.
func (s *MemoryStore) MergeCount(uid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.Merges {
		if m.UID == uid {
			n++
		}
	}
	return n
}

func applyString(dst *string, o domain.Opt[string]) {
	if !o.Set {
		return
	}
	if o.Value == nil {
		*dst = ""
		return
	}
	*dst = *o.Value
}

func applyTime(dst **time.Time, o domain.Opt[time.Time]) {
	if !o.Set {
		return
	}
	if o.Value == nil {
		*dst = nil
		return
	}
	t := o.Value.UTC()
	*dst = &t
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneUser(u *domain.User) *domain.User {
	cp := *u
	if u.Subscription != nil {
		st := *u.Subscription
		st.PaymentMethod = copyPtr(u.Subscription.PaymentMethod)
		st.StartDate = copyPtr(u.Subscription.StartDate)
		st.EndDate = copyPtr(u.Subscription.EndDate)
		st.GraceEndsAt = copyPtr(u.Subscription.GraceEndsAt)
		cp.Subscription = &st
	}
	return &cp
}

var _ UserStore = (*MemoryStore)(nil)
