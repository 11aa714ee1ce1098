package repository

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreUserStore implements UserStore on a Firestore collection keyed by UID.
type FirestoreUserStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// NewFirestoreUserStore creates a store over the named collection.
func NewFirestoreUserStore(client *firestore.Client, collection string, logger zerolog.Logger) *FirestoreUserStore {
	if collection == "" {
		collection = domain.UsersCollection
	}
	return &FirestoreUserStore{
		client:     client,
		collection: collection,
		logger:     logger.With().Str("component", "user_store").Logger(),
	}
}

func (s *FirestoreUserStore) Get(ctx context.Context, uid string) (*domain.User, error) {
	if uid == "" {
		return nil, fmt.Errorf("get user: empty uid: %w", ErrNotFound)
	}

	snap, err := s.client.Collection(s.collection).Doc(uid).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("user %q: %w", uid, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user %q: %w", uid, err)
	}
	return decodeUser(snap)
}

// FindByCustomerID returns the first user whose stripeCustomerId equals customerID.
func (s *FirestoreUserStore) FindByCustomerID(ctx context.Context, customerID string) (*domain.User, error) {
	return s.findOne(ctx, "stripeCustomerId", customerID)
}

// FindByEmail returns the first user whose stored email equals the normalized address.
func (s *FirestoreUserStore) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	return s.findOne(ctx, "email", domain.NormalizeEmail(email))
}

func (s *FirestoreUserStore) findOne(ctx context.Context, field, value string) (*domain.User, error) {
	if value == "" {
		return nil, fmt.Errorf("find user by %s: empty value: %w", field, ErrNotFound)
	}

	iter := s.client.Collection(s.collection).Where(field, "==", value).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if err == iterator.Done {
		return nil, fmt.Errorf("user with %s %q: %w", field, value, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query users by %s: %w", field, err)
	}
	return decodeUser(snap)
}

// Merge applies patch with a single merge-write.
func (s *FirestoreUserStore) Merge(ctx context.Context, uid string, patch domain.UserPatch) error {
	if uid == "" {
		return fmt.Errorf("merge user: empty uid")
	}

	data := patchData(patch, firestore.ServerTimestamp)
	if _, err := s.client.Collection(s.collection).Doc(uid).Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to merge user %q: %w", uid, err)
	}

	s.logger.Debug().
		Str("uid", uid).
		Int("fields", len(data)).
		Msg("user record merged")
	return nil
}

func decodeUser(snap *firestore.DocumentSnapshot) (*domain.User, error) {
	var u domain.User
	if err := snap.DataTo(&u); err != nil {
		return nil, fmt.Errorf("failed to decode user %q: %w", snap.Ref.ID, err)
	}
	u.UID = snap.Ref.ID
	return &u, nil
}

// patchData renders a patch as a nested merge document. now is written to
// every updatedAt field; Firestore callers pass firestore.ServerTimestamp.
func patchData(patch domain.UserPatch, now interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"updatedAt": now,
	}

	putString(data, "email", patch.Email)
	putString(data, "stripeCustomerId", patch.StripeCustomerID)
	putString(data, "stripeSubscriptionId", patch.StripeSubscriptionID)
	putString(data, "subscriptionStatus", patch.SubscriptionStatus)

	if sp := patch.Subscription; sp != nil {
		sub := map[string]interface{}{
			"updatedAt": now,
		}
		putString(sub, "status", sp.Status)
		putString(sub, "paymentMethod", sp.PaymentMethod)
		putTime(sub, "startDate", sp.StartDate)
		putTime(sub, "endDate", sp.EndDate)
		putTime(sub, "graceEndsAt", sp.GraceEndsAt)
		data["subscription"] = sub
	}

	if library, ok := patch.Library(); ok {
		data["entitlements"] = map[string]interface{}{"library": library}
	}

	return data
}

func putString(m map[string]interface{}, key string, o domain.Opt[string]) {
	if !o.Set {
		return
	}
	if o.Value == nil {
		m[key] = nil
		return
	}
	m[key] = *o.Value
}

func putTime(m map[string]interface{}, key string, o domain.Opt[time.Time]) {
	if !o.Set {
		return
	}
	if o.Value == nil {
		m[key] = nil
		return
	}
	m[key] = o.Value.UTC()
}

var _ UserStore = (*FirestoreUserStore)(nil)
