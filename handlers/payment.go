package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/savvycare/backend/apierr"
	"github.com/savvycare/backend/auth"
	"github.com/savvycare/backend/middleware"
	"github.com/savvycare/backend/models"
	"github.com/savvycare/backend/payments"
	"github.com/savvycare/backend/utils"
)

type PaymentHandler struct {
	logger  *zap.Logger
	intents payments.IntentCreator
	ledger  LedgerStore
	gate    *auth.Gate
}

// IntentRequest takes either a major-unit price (49.99) or an amount in
// minor units with a currency.
type IntentRequest struct {
	Price    *float64 `json:"price"`
	Amount   *int64   `json:"amount"`
	Currency string   `json:"currency"`
}

// NewPaymentHandler builds the handler. intents is nil when no processor
// key is configured.
func NewPaymentHandler(logger *zap.Logger, intents payments.IntentCreator, ledger LedgerStore, gate *auth.Gate) *PaymentHandler {
	return &PaymentHandler{logger: logger, intents: intents, ledger: ledger, gate: gate}
}

func (h *PaymentHandler) CreateIntent(c *fiber.Ctx) error {
	if middleware.Claims(c) == nil {
		return apierr.New(apierr.Unauthenticated, "missing bearer credential")
	}

	var req IntentRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest("invalid request body")
	}

	var amount int64
	switch {
	case req.Amount != nil:
		amount = *req.Amount
		if amount <= 0 {
			return badRequest("amount must be positive")
		}
	case req.Price != nil:
		minor, err := payments.ToMinorUnits(*req.Price)
		if err != nil {
			return err
		}
		amount = minor
	default:
		return badRequest("price or amount is required")
	}

	if h.intents == nil {
		return apierr.New(apierr.StoreUnavailable, "payment processor is not configured")
	}
	intent, err := h.intents.CreateIntent(c.UserContext(), amount, req.Currency)
	if err != nil {
		return err
	}

	h.logger.Info("payment intent created",
		zap.String("intent", intent.ID),
		zap.Int64("amount", intent.Amount),
		zap.String("currency", intent.Currency))
	return c.JSON(fiber.Map{"clientSecret": intent.ClientSecret})
}

// History lists the payments of :email. Owner or admin. ?reference narrows
// the list to the payment with that receipt code.
func (h *PaymentHandler) History(c *fiber.Ctx) error {
	owner := models.NormalizeEmail(c.Params("email"))
	if err := h.gate.AuthorizeOwnerOrRole(middleware.Claims(c), owner, models.RoleAdmin); err != nil {
		return err
	}
	ref := strings.ToUpper(strings.TrimSpace(c.Query("reference")))
	if ref != "" && !utils.ValidReference(ref) {
		return badRequest("reference is not a valid receipt code")
	}

	out, err := h.ledger.FindByOwner(c.UserContext(), owner)
	if err != nil {
		h.logger.Error("failed to list payments", zap.String("email", owner), zap.Error(err))
		return err
	}
	if ref != "" {
		matched := []models.Payment{}
		for _, p := range out {
			if p.Reference == ref {
				matched = append(matched, p)
			}
		}
		out = matched
	}
	if out == nil {
		out = []models.Payment{}
	}
	return c.JSON(out)
}
