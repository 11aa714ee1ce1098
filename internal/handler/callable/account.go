package callable

import (
	"encoding/json"
	"time"

	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/dukerupert/billingsync/internal/service"
	"github.com/labstack/echo/v4"
)

type ephemeralKeyRequest struct {
	APIVersion string `json:"api_version" validate:"required"`
}

type checkoutSessionRequest struct {
	PriceID    string            `json:"priceId" validate:"max=255"`
	SuccessURL string            `json:"successUrl" validate:"omitempty,url"`
	CancelURL  string            `json:"cancelUrl" validate:"omitempty,url"`
	Metadata   map[string]string `json:"metadata"`
}

type confirmCheckoutRequest struct {
	SessionID string `json:"sessionId" validate:"required,max=255"`
}

type activationRequest struct {
	DurationDays  *int   `json:"durationDays"`
	PaymentMethod string `json:"paymentMethod" validate:"max=200"`
	Status        string `json:"status" validate:"max=32"`
	PriceID       string `json:"priceId" validate:"max=255"`
}

type paymentIntentRequest struct {
	APIVersion string `json:"api_version"`
}

type activationResponse struct {
	Status         string     `json:"status"`
	Message        string     `json:"message"`
	SubscriptionID string     `json:"subscriptionId,omitempty"`
	ExpiresAt      *time.Time `json:"expiresAt"`
}

func (h *Handler) createCustomer(c echo.Context, id *domain.Identity, _ json.RawMessage) (any, error) {
	return h.account.CreateCustomer(c.Request().Context(), id)
}

func (h *Handler) createEphemeralKey(c echo.Context, id *domain.Identity, data json.RawMessage) (any, error) {
	req, err := decode[ephemeralKeyRequest](h.validate, "createEphemeralKey", data)
	if err != nil {
		return nil, err
	}
	return h.account.CreateEphemeralKey(c.Request().Context(), id, req.APIVersion)
}

func (h *Handler) createSubscription(c echo.Context, id *domain.Identity, _ json.RawMessage) (any, error) {
	return h.account.CreateSubscription(c.Request().Context(), id)
}

func (h *Handler) createCheckoutSession(c echo.Context, id *domain.Identity, data json.RawMessage) (any, error) {
	req, err := decode[checkoutSessionRequest](h.validate, "createCheckoutSession", data)
	if err != nil {
		return nil, err
	}
	return h.account.CreateCheckoutSession(c.Request().Context(), id, service.CheckoutParams{
		PriceID:    req.PriceID,
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
		Metadata:   req.Metadata,
	})
}

func (h *Handler) confirmCheckoutSession(c echo.Context, id *domain.Identity, data json.RawMessage) (any, error) {
	req, err := decode[confirmCheckoutRequest](h.validate, "confirmCheckoutSession", data)
	if err != nil {
		return nil, err
	}
	return h.account.ConfirmCheckoutSession(c.Request().Context(), id, req.SessionID)
}

func (h *Handler) activateSubscriptionAccess(c echo.Context, id *domain.Identity, data json.RawMessage) (any, error) {
	req, err := decode[activationRequest](h.validate, "activateSubscriptionAccess", data)
	if err != nil {
		return nil, err
	}

	res, err := h.account.ActivateAccess(c.Request().Context(), id, service.ActivationParams{
		DurationDays:  req.DurationDays,
		PaymentMethod: req.PaymentMethod,
		Status:        req.Status,
		PriceID:       req.PriceID,
	})
	if err != nil {
		return nil, err
	}
	return &activationResponse{
		Status:         res.Status,
		Message:        res.Message,
		SubscriptionID: res.SubscriptionID,
		ExpiresAt:      res.ExpiresAt,
	}, nil
}

func (h *Handler) createPortalSession(c echo.Context, id *domain.Identity, _ json.RawMessage) (any, error) {
	return h.account.CreatePortalSession(c.Request().Context(), id)
}

func (h *Handler) scheduleSubscriptionCancellation(c echo.Context, id *domain.Identity, _ json.RawMessage) (any, error) {
	return h.account.ScheduleCancellation(c.Request().Context(), id)
}

func (h *Handler) resumeSubscriptionCancellation(c echo.Context, id *domain.Identity, _ json.RawMessage) (any, error) {
	return h.account.ResumeCancellation(c.Request().Context(), id)
}

func (h *Handler) createPaymentIntent(c echo.Context, id *domain.Identity, data json.RawMessage) (any, error) {
	req, err := decode[paymentIntentRequest](h.validate, "createPaymentIntent", data)
	if err != nil {
		return nil, err
	}
	return h.account.CreatePaymentIntent(c.Request().Context(), id, req.APIVersion)
}

func (h *Handler) ping(c echo.Context, id *domain.Identity, _ json.RawMessage) (any, error) {
	return h.account.Ping(c.Request().Context(), id), nil
}
