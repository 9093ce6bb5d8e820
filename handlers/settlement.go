package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/savvycare/backend/apierr"
	"github.com/savvycare/backend/auth"
	"github.com/savvycare/backend/middleware"
	"github.com/savvycare/backend/payments"
	"github.com/savvycare/backend/settlement"
)

type SettlementHandler struct {
	logger  *zap.Logger
	settler Settler
	gate    *auth.Gate
}

// SettleRequest is the settlement body. Older clients post to /payments
// with email and a major-unit price instead of ownerEmail and amount;
// those fields are accepted as fallbacks, with usd as the currency.
type SettleRequest struct {
	OwnerEmail     string   `json:"ownerEmail"`
	Amount         int64    `json:"amount"`
	Currency       string   `json:"currency"`
	AppointmentIDs []string `json:"appointmentIds"`
	TransactionID  string   `json:"transactionId"`
	PaymentID      string   `json:"paymentId"`

	Email string   `json:"email"`
	Price *float64 `json:"price"`
}

type SettleResponse struct {
	PaymentID    string `json:"paymentId"`
	ClearedCount int    `json:"clearedCount"`
}

func NewSettlementHandler(logger *zap.Logger, settler Settler, gate *auth.Gate) *SettlementHandler {
	return &SettlementHandler{logger: logger, settler: settler, gate: gate}
}

// Settle records a payment and clears its appointments.
func (h *SettlementHandler) Settle(c *fiber.Ctx) error {
	var body SettleRequest
	if err := c.BodyParser(&body); err != nil {
		return badRequest("invalid request body")
	}
	owner := body.OwnerEmail
	if strings.TrimSpace(owner) == "" {
		owner = body.Email
	}

	// Nothing below runs for a caller who does not own the appointments.
	claims := middleware.Claims(c)
	if err := h.gate.AuthorizeOwner(claims, owner); err != nil {
		return err
	}

	req := settlement.Request{
		OwnerEmail:     owner,
		Amount:         body.Amount,
		Currency:       body.Currency,
		AppointmentIDs: body.AppointmentIDs,
		TransactionID:  body.TransactionID,
		PaymentID:      body.PaymentID,
	}
	if req.Amount == 0 && body.Price != nil {
		minor, err := payments.ToMinorUnits(*body.Price)
		if err != nil {
			return err
		}
		req.Amount = minor
		if strings.TrimSpace(req.Currency) == "" {
			req.Currency = "usd"
		}
	}

	res, err := h.settler.Settle(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.JSON(SettleResponse{PaymentID: res.Payment.ID, ClearedCount: res.ClearedCount})
}

// Reconcile retries the appointment side of an incomplete settlement.
func (h *SettlementHandler) Reconcile(c *fiber.Ctx) error {
	claims := middleware.Claims(c)
	if claims == nil {
		return apierr.New(apierr.Unauthenticated, "missing bearer credential")
	}

	ctx := c.UserContext()
	id := strings.TrimSpace(c.Params("paymentId"))
	p, err := h.settler.Payment(ctx, id)
	if err != nil {
		return err
	}
	if err := h.gate.AuthorizeOwner(claims, p.Email); err != nil {
		return err
	}

	res, err := h.settler.Reconcile(ctx, p.ID)
	if err != nil {
		return err
	}
	h.logger.Info("settlement reconciled",
		zap.String("payment", res.Payment.ID),
		zap.Int("cleared", res.ClearedCount))
	return c.JSON(SettleResponse{PaymentID: res.Payment.ID, ClearedCount: res.ClearedCount})
}
