package service

import (
	"context"

	"github.com/dukerupert/billingsync/internal/billing"
	"github.com/dukerupert/billingsync/internal/telemetry"
	"github.com/rs/zerolog"
)

// Payment-method candidates, highest priority first.
const (
	CandidateDefault              = "default"
	CandidateInvoicePaymentIntent = "invoice_payment_intent"
	CandidateInvoiceDefault       = "invoice_default"
	CandidateSetupIntent          = "setup_intent"
)

// PaymentMethodResolver derives a display label for a subscription's payment
// method. Every remote failure is soft: it is logged and the next candidate
// is tried.
type PaymentMethodResolver struct {
	billing billing.Provider
	logger  zerolog.Logger
}

func NewPaymentMethodResolver(provider billing.Provider, logger zerolog.Logger) *PaymentMethodResolver {
	return &PaymentMethodResolver{
		billing: provider,
		logger:  logger.With().Str("component", "payment_method_resolver").Logger(),
	}
}

type pmCandidate struct {
	name string
	ref  func(ctx context.Context, l *pmLookup) billing.Expandable[billing.PaymentMethod]
}

// candidates is the ordered strategy list. Each entry yields a payment-method
// reference, possibly after fetching its carrier.
var candidates = []pmCandidate{
	{CandidateDefault, func(ctx context.Context, l *pmLookup) billing.Expandable[billing.PaymentMethod] {
		return l.sub.DefaultPaymentMethod
	}},
	{CandidateInvoicePaymentIntent, func(ctx context.Context, l *pmLookup) billing.Expandable[billing.PaymentMethod] {
		inv := l.invoice(ctx)
		if inv == nil {
			return billing.Expandable[billing.PaymentMethod]{}
		}
		pi := l.paymentIntent(ctx, inv.PaymentIntent)
		if pi == nil {
			return billing.Expandable[billing.PaymentMethod]{}
		}
		return pi.PaymentMethod
	}},
	{CandidateInvoiceDefault, func(ctx context.Context, l *pmLookup) billing.Expandable[billing.PaymentMethod] {
		if inv := l.invoice(ctx); inv != nil {
			return inv.DefaultPaymentMethod
		}
		return billing.Expandable[billing.PaymentMethod]{}
	}},
	{CandidateSetupIntent, func(ctx context.Context, l *pmLookup) billing.Expandable[billing.PaymentMethod] {
		if si := l.setupIntent(ctx); si != nil {
			return si.PaymentMethod
		}
		return billing.Expandable[billing.PaymentMethod]{}
	}},
}

// Resolve returns the first non-empty label among the candidates, or ok=false
// when every candidate is absent or failed.
func (r *PaymentMethodResolver) Resolve(ctx context.Context, sub *billing.Subscription) (label string, ok bool) {
	if sub == nil {
		return "", false
	}

	l := &pmLookup{r: r, sub: sub, visited: make(map[string]bool)}
	for _, c := range candidates {
		l.current = c.name
		ref := c.ref(ctx, l)
		if ref.Empty() {
			continue
		}
		if label := l.describe(ctx, ref); label != "" {
			return label, true
		}
	}
	return "", false
}

// pmLookup holds the per-call state of one resolution: fetched carriers and
// the visited set of reference ids.
type pmLookup struct {
	r       *PaymentMethodResolver
	sub     *billing.Subscription
	current string
	visited map[string]bool

	invoiceDone bool
	inv         *billing.Invoice
	setupDone   bool
	si          *billing.SetupIntent
}

// visit reports whether id has not been fetched yet in this call and marks it.
func (l *pmLookup) visit(id string) bool {
	if l.visited[id] {
		return false
	}
	l.visited[id] = true
	return true
}

func (l *pmLookup) soft(err error, op, id string) {
	telemetry.RecordPaymentMethodLookupFailure(l.current)
	l.r.logger.Warn().
		Err(err).
		Str("candidate", l.current).
		Str("op", op).
		Str("id", id).
		Str("subscription_id", l.sub.ID).
		Msg("payment method lookup failed, trying next candidate")
}

func (l *pmLookup) invoice(ctx context.Context) *billing.Invoice {
	if l.invoiceDone {
		return l.inv
	}
	l.invoiceDone = true

	ref := l.sub.LatestInvoice
	switch {
	case ref.Expanded():
		l.inv = ref.Value
		// The payments list may be missing from webhook payloads; refetch
		// once to discover the payment intent.
		if !l.inv.PaymentsLoaded && l.inv.PaymentIntent.Empty() && ref.ID != "" && l.visit(ref.ID) {
			if inv, err := l.r.billing.GetInvoice(ctx, ref.ID); err != nil {
				l.soft(err, "GetInvoice", ref.ID)
			} else {
				l.inv = inv
			}
		}
	case ref.ID != "" && l.visit(ref.ID):
		inv, err := l.r.billing.GetInvoice(ctx, ref.ID)
		if err != nil {
			l.soft(err, "GetInvoice", ref.ID)
			return nil
		}
		l.inv = inv
	}
	return l.inv
}

func (l *pmLookup) paymentIntent(ctx context.Context, ref billing.Expandable[billing.PaymentIntent]) *billing.PaymentIntent {
	if ref.Expanded() {
		return ref.Value
	}
	if ref.ID == "" || !l.visit(ref.ID) {
		return nil
	}
	pi, err := l.r.billing.GetPaymentIntent(ctx, ref.ID)
	if err != nil {
		l.soft(err, "GetPaymentIntent", ref.ID)
		return nil
	}
	return pi
}

func (l *pmLookup) setupIntent(ctx context.Context) *billing.SetupIntent {
	if l.setupDone {
		return l.si
	}
	l.setupDone = true

	ref := l.sub.PendingSetupIntent
	if ref.Expanded() {
		l.si = ref.Value
		return l.si
	}
	if ref.ID == "" || !l.visit(ref.ID) {
		return nil
	}
	si, err := l.r.billing.GetSetupIntent(ctx, ref.ID)
	if err != nil {
		l.soft(err, "GetSetupIntent", ref.ID)
		return nil
	}
	l.si = si
	return si
}

func (l *pmLookup) describe(ctx context.Context, ref billing.Expandable[billing.PaymentMethod]) string {
	if ref.Expanded() {
		if ref.ID != "" {
			l.visited[ref.ID] = true
		}
		return billing.Describe(ref.Value)
	}
	if !l.visit(ref.ID) {
		return ""
	}
	pm, err := l.r.billing.GetPaymentMethod(ctx, ref.ID)
	if err != nil {
		l.soft(err, "GetPaymentMethod", ref.ID)
		return ""
	}
	return billing.Describe(pm)
}
