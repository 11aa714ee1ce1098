package service

import (
	"context"
	"errors"

	"github.com/dukerupert/billingsync/internal/billing"
	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/dukerupert/billingsync/internal/identity"
	"github.com/dukerupert/billingsync/internal/repository"
	"github.com/dukerupert/billingsync/internal/telemetry"
	"github.com/rs/zerolog"
)

// Resolution strategies, in the order they are tried.
const (
	StrategyCustomerID    = "customer_id"
	StrategyIdentityEmail = "identity_email"
	StrategyStoreEmail    = "store_email"
	StrategyUnresolved    = "unresolved"
)

// ProcessorContext is what a processor event tells us about its owner.
type ProcessorContext struct {
	CustomerID string
	Email      string
}

// Resolution is a user matched to a processor context.
type Resolution struct {
	UID      string
	Email    string // normalized; may be empty
	Strategy string
}

// UserResolver maps processor context onto exactly one user record.
type UserResolver struct {
	store    repository.UserStore
	identity identity.Provider
	billing  billing.Provider
	logger   zerolog.Logger
	steps    []resolveStep
}

// resolveStep returns a UID when it resolves the lookup. Steps may also
// enrich the state (the remote customer email) without resolving. A non-nil
// error aborts resolution.
type resolveStep struct {
	name string
	run  func(ctx context.Context, st *resolveState) (uid string, err error)
}

type resolveState struct {
	customerID string
	email      string
}

func NewUserResolver(store repository.UserStore, idp identity.Provider, provider billing.Provider, logger zerolog.Logger) *UserResolver {
	r := &UserResolver{
		store:    store,
		identity: idp,
		billing:  provider,
		logger:   logger.With().Str("component", "user_resolver").Logger(),
	}
	r.steps = []resolveStep{
		{StrategyCustomerID, r.byCustomerID},
		{"remote_customer_email", r.remoteCustomerEmail},
		{StrategyIdentityEmail, r.byIdentityEmail},
		{StrategyStoreEmail, r.byStoreEmail},
	}
	return r
}

// Resolve runs the strategies first-success-wins. It returns
// domain.ErrUserUnresolved when every strategy comes up empty.
func (r *UserResolver) Resolve(ctx context.Context, pc ProcessorContext) (*Resolution, error) {
	st := &resolveState{
		customerID: pc.CustomerID,
		email:      domain.NormalizeEmail(pc.Email),
	}

	for _, step := range r.steps {
		uid, err := step.run(ctx, st)
		if err != nil {
			return nil, err
		}
		if uid != "" {
			telemetry.RecordUserResolution(step.name)
			r.logger.Debug().
				Str("uid", uid).
				Str("strategy", step.name).
				Str("customer_id", st.customerID).
				Msg("user resolved")
			return &Resolution{UID: uid, Email: st.email, Strategy: step.name}, nil
		}
	}

	telemetry.RecordUserResolution(StrategyUnresolved)
	return nil, domain.ErrUserUnresolved
}

func (r *UserResolver) byCustomerID(ctx context.Context, st *resolveState) (string, error) {
	if st.customerID == "" {
		return "", nil
	}
	u, err := r.store.FindByCustomerID(ctx, st.customerID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", domain.Internal(err, "resolver.byCustomerID", "failed to query users by customer")
	}
	if st.email == "" {
		st.email = domain.NormalizeEmail(u.Email)
	}
	return u.UID, nil
}

// remoteCustomerEmail never resolves; it fills the email from the processor
// customer when the event carried none. Failures are soft.
func (r *UserResolver) remoteCustomerEmail(ctx context.Context, st *resolveState) (string, error) {
	if st.email != "" || st.customerID == "" {
		return "", nil
	}
	c, err := r.billing.GetCustomer(ctx, st.customerID)
	if err != nil {
		r.logger.Warn().Err(err).Str("customer_id", st.customerID).Msg("could not fetch customer for email fallback")
		return "", nil
	}
	if c.Deleted {
		return "", nil
	}
	st.email = domain.NormalizeEmail(c.Email)
	return "", nil
}

func (r *UserResolver) byIdentityEmail(ctx context.Context, st *resolveState) (string, error) {
	if st.email == "" {
		return "", nil
	}
	uid, err := r.identity.UIDByEmail(ctx, st.email)
	if errors.Is(err, identity.ErrUserNotFound) {
		return "", nil
	}
	if err != nil {
		return "", domain.Internal(err, "resolver.byIdentityEmail", "failed to look up identity by email")
	}
	return uid, nil
}

func (r *UserResolver) byStoreEmail(ctx context.Context, st *resolveState) (string, error) {
	if st.email == "" {
		return "", nil
	}
	u, err := r.store.FindByEmail(ctx, st.email)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", domain.Internal(err, "resolver.byStoreEmail", "failed to query users by email")
	}
	return u.UID, nil
}
