// Package payments creates payment intents with the card processor. The
// processor settles the card; this service only records the outcome.
package payments

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"go.uber.org/zap"

	"github.com/savvycare/backend/apierr"
)

type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"clientSecret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
}

// IntentCreator is what the HTTP layer needs from a processor.
type IntentCreator interface {
	CreateIntent(ctx context.Context, amount int64, currency string) (*Intent, error)
}

type StripeIntents struct {
	api    *client.API
	logger *zap.Logger
}

func NewStripeIntents(secretKey string, logger *zap.Logger) *StripeIntents {
	return &StripeIntents{api: client.New(secretKey, nil), logger: logger}
}

// CreateIntent asks Stripe for a card payment intent of amount minor units.
func (s *StripeIntents) CreateIntent(ctx context.Context, amount int64, currency string) (*Intent, error) {
	if amount <= 0 {
		return nil, apierr.New(apierr.InvalidRequest, "amount must be positive")
	}
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = "usd"
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(amount),
		Currency:           stripe.String(currency),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		s.logger.Error("failed to create payment intent",
			zap.Int64("amount", amount),
			zap.String("currency", currency),
			zap.Error(err))
		return nil, processorError(err)
	}
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Amount: pi.Amount, Currency: string(pi.Currency)}, nil
}

func processorError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= http.StatusBadRequest && se.HTTPStatusCode < http.StatusInternalServerError &&
		se.HTTPStatusCode != http.StatusTooManyRequests {
		return apierr.Wrap(err, apierr.InvalidRequest, se.Msg)
	}
	return apierr.Wrap(err, apierr.StoreUnavailable, "payment processor unavailable")
}

// ToMinorUnits converts a major-unit price such as 49.99 into cents.
func ToMinorUnits(price float64) (int64, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return 0, apierr.New(apierr.InvalidRequest, "price must be a positive number")
	}
	minor := math.Round(price * 100)
	if minor < 1 || minor > math.MaxInt64/2 {
		return 0, apierr.New(apierr.InvalidRequest, "price out of range")
	}
	return int64(minor), nil
}
