package handlers

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/savvycare/backend/apierr"
	"github.com/savvycare/backend/store"
)

// ErrorBody renders err as the {kind, detail} body and its status code.
func ErrorBody(err error) (int, fiber.Map) {
	var (
		ae *apierr.Error
		fe *fiber.Error
	)
	switch {
	case errors.As(err, &ae):
	case errors.As(err, &fe):
		ae = apierr.New(fiberKind(fe.Code), fe.Message)
	case errors.Is(err, store.ErrUnavailable):
		ae = apierr.Wrap(err, apierr.StoreUnavailable, "store unavailable, retry later")
	case errors.Is(err, store.ErrNotFound):
		ae = apierr.Wrap(err, apierr.NotFound, "not found")
	default:
		ae = apierr.Wrap(err, apierr.Internal, "internal error")
	}

	body := fiber.Map{"kind": ae.Kind, "detail": ae.Detail}
	if ae.Kind == apierr.ReconciliationIncomplete {
		body["paymentId"] = ae.PaymentID
		ids := ae.Unreconciled
		if ids == nil {
			ids = []string{}
		}
		body["unreconciledIds"] = ids
	} else if ae.PaymentID != "" {
		// an unrecorded payment whose claims are held; retry with this id
		body["paymentId"] = ae.PaymentID
	}
	if len(ae.Fields) > 0 {
		body["details"] = ae.Fields
	}
	return ae.Status(), body
}

func fiberKind(code int) apierr.Kind {
	switch code {
	case fiber.StatusUnauthorized:
		return apierr.Unauthenticated
	case fiber.StatusForbidden:
		return apierr.Forbidden
	case fiber.StatusNotFound:
		return apierr.NotFound
	case fiber.StatusTooManyRequests:
		return apierr.RateLimited
	case fiber.StatusServiceUnavailable:
		return apierr.StoreUnavailable
	}
	if code >= 400 && code < 500 {
		return apierr.InvalidRequest
	}
	return apierr.Internal
}

// ErrorHandler is the app-wide fiber error handler. Middleware and handlers
// return errors and this renders them.
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status, body := ErrorBody(err)
		if status >= fiber.StatusInternalServerError {
			logger.Error("request error",
				zap.Error(err),
				zap.String("path", c.Path()),
				zap.Int("status", status))
		}
		return c.Status(status).JSON(body)
	}
}

var validate = validator.New()

func badRequest(detail string) error {
	return apierr.New(apierr.InvalidRequest, detail)
}

// validationError wraps validator output the way clients expect it:
// InvalidRequest with per-field details.
func validationError(err error) error {
	ae := apierr.Wrap(err, apierr.InvalidRequest, "validation failed")
	ae.Fields = formatValidationErrors(err)
	return ae
}

func formatValidationErrors(err error) []map[string]string {
	var out []map[string]string
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out = append(out, map[string]string{
				"field":   fe.Field(),
				"tag":     fe.Tag(),
				"message": getValidationMessage(fe),
			})
		}
	}
	return out
}

func getValidationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must have at least %s items", fe.Field(), fe.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", fe.Field(), fe.Param())
	case "len":
		return fmt.Sprintf("%s must be %s characters long", fe.Field(), fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
