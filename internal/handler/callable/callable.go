// Package callable serves the authenticated RPC endpoints used by the client
// apps. Each call is POST /callable/{name} with {"data": {...}} and answers
// {"result": {...}} or {"error": {"status", "message"}}.
package callable

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/dukerupert/billingsync/internal/domain"
	"github.com/dukerupert/billingsync/internal/handler"
	"github.com/dukerupert/billingsync/internal/middleware"
	"github.com/dukerupert/billingsync/internal/service"
	"github.com/dukerupert/billingsync/internal/telemetry"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// Func runs one callable for an authenticated caller. data is the raw "data"
// member of the request envelope and may be empty.
type Func func(c echo.Context, id *domain.Identity, data json.RawMessage) (any, error)

// Handler dispatches callables by name.
type Handler struct {
	account  *service.AccountService
	validate *validator.Validate
	funcs    map[string]Func
}

// NewHandler registers every account callable.
func NewHandler(account *service.AccountService) *Handler {
	h := &Handler{
		account:  account,
		validate: newValidator(),
		funcs:    make(map[string]Func),
	}

	h.Register("createCustomer", h.createCustomer)
	h.Register("createEphemeralKey", h.createEphemeralKey)
	h.Register("createSubscription", h.createSubscription)
	h.Register("createCheckoutSession", h.createCheckoutSession)
	h.Register("confirmCheckoutSession", h.confirmCheckoutSession)
	h.Register("activateSubscriptionAccess", h.activateSubscriptionAccess)
	h.Register("createPortalSession", h.createPortalSession)
	h.Register("scheduleSubscriptionCancellation", h.scheduleSubscriptionCancellation)
	h.Register("resumeSubscriptionCancellation", h.resumeSubscriptionCancellation)
	h.Register("createPaymentIntent", h.createPaymentIntent)
	h.Register("ping", h.ping)
	return h
}

// Register adds or replaces a callable.
func (h *Handler) Register(name string, fn Func) {
	h.funcs[name] = fn
}

// Names lists the registered callables.
func (h *Handler) Names() []string {
	names := make([]string, 0, len(h.funcs))
	for name := range h.funcs {
		names = append(names, name)
	}
	return names
}

type envelope struct {
	Data json.RawMessage `json:"data"`
}

// Handle serves POST /callable/:name. It expects middleware.Authenticate to
// have attached the caller identity.
func (h *Handler) Handle(c echo.Context) error {
	name := c.Param("name")
	start := time.Now()

	result, err := h.call(c, name)
	code := domain.ErrorCode(err)
	telemetry.RecordCallable(name, callableLabel(code))

	logger := middleware.GetLogger(c.Request().Context())
	if err != nil {
		return handler.CallableError(c, err)
	}
	logger.Debug().Str("callable", name).Dur("duration", time.Since(start)).Msg("callable succeeded")
	return handler.Success(c, result)
}

func (h *Handler) call(c echo.Context, name string) (any, error) {
	fn, ok := h.funcs[name]
	if !ok {
		return nil, domain.Errorf(domain.ENOTFOUND, "callable", "Unknown callable %q", name)
	}

	id := domain.IdentityFromContext(c.Request().Context())
	if id == nil || id.UID == "" {
		return nil, domain.ErrUnauthenticated
	}

	var env envelope
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, domain.Invalid(name, "Could not read request body")
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, domain.Invalid(name, "Request body must be a JSON object with a data member")
		}
	}

	return fn(c, id, env.Data)
}

func callableLabel(code string) string {
	if code == "" {
		return "ok"
	}
	return code
}

// =============================================================================
// Payload decoding
// =============================================================================

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their wire names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decode unmarshals data into T and validates it. Missing data decodes to the
// zero payload so optional-only callables accept {"data": {}} and {}.
func decode[T any](v *validator.Validate, op string, data json.RawMessage) (*T, error) {
	payload := new(T)
	raw := strings.TrimSpace(string(data))
	if raw != "" && raw != "null" {
		if err := json.Unmarshal(data, payload); err != nil {
			return nil, domain.Invalid(op, "Invalid request data")
		}
	}
	if err := v.Struct(payload); err != nil {
		return nil, validationError(op, err)
	}
	return payload, nil
}

func validationError(op string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.Invalid(op, "Invalid request data")
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return domain.Invalid(op, strings.Join(msgs, "; "))
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
