// Package settlement records a payment and closes the appointments it pays
// for. A payment is only ever committed once every appointment it
// references is marked settled.
package settlement

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/savvycare/backend/apierr"
	"github.com/savvycare/backend/models"
	"github.com/savvycare/backend/store"
	"github.com/savvycare/backend/utils"
)

type BookingStore interface {
	FindByIDs(ctx context.Context, ids []string) ([]models.Appointment, error)
	Claim(ctx context.Context, id, owner, token string, at time.Time) (bool, error)
	Release(ctx context.Context, token string) (int64, error)
	MarkSettled(ctx context.Context, id, owner, token string, at time.Time) error
	FindStaleClaims(ctx context.Context, before time.Time) ([]models.Appointment, error)
}

type LedgerStore interface {
	Insert(ctx context.Context, p *models.Payment) error
	Get(ctx context.Context, id string) (*models.Payment, error)
	FindPending(ctx context.Context, owner string) ([]models.Payment, error)
	ListPending(ctx context.Context, before time.Time) ([]models.Payment, error)
	UpdateStatus(ctx context.Context, id string, status models.PaymentStatus, at time.Time) error
}

// Transactor runs fn atomically across both stores.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type Request struct {
	OwnerEmail     string
	Amount         int64
	Currency       string
	AppointmentIDs []string
	TransactionID  string
	// PaymentID resumes the incomplete settlement it names instead of
	// starting a new one.
	PaymentID string
}

type Result struct {
	Payment      *models.Payment
	ClearedCount int
}

type Options struct {
	// Timeout bounds a whole settlement, which runs detached from the
	// caller's cancellation.
	Timeout time.Duration
}

type Coordinator struct {
	bookings BookingStore
	ledger   LedgerStore
	tx       Transactor
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
	newID    func() string
}

// NewCoordinator builds a coordinator. With a nil tx every settlement runs
// the compensating path: claim, insert pending, mark settled, commit.
func NewCoordinator(bookings BookingStore, ledger LedgerStore, tx Transactor, logger *zap.Logger, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Coordinator{
		bookings: bookings,
		ledger:   ledger,
		tx:       tx,
		logger:   logger,
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

var currencyRe = regexp.MustCompile(`^[a-z]{3}$`)

func normalize(req Request) (Request, error) {
	req.OwnerEmail = models.NormalizeEmail(req.OwnerEmail)
	req.PaymentID = strings.TrimSpace(req.PaymentID)
	req.Currency = strings.ToLower(strings.TrimSpace(req.Currency))

	if req.OwnerEmail == "" {
		return req, apierr.New(apierr.InvalidRequest, "ownerEmail is required")
	}
	if req.Amount <= 0 {
		return req, apierr.New(apierr.InvalidRequest, "amount must be positive")
	}
	if !currencyRe.MatchString(req.Currency) {
		return req, apierr.New(apierr.InvalidRequest, "currency must be a three-letter code")
	}

	seen := make(map[string]struct{}, len(req.AppointmentIDs))
	ids := make([]string, 0, len(req.AppointmentIDs))
	for _, id := range req.AppointmentIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return req, apierr.New(apierr.InvalidRequest, "appointment ids must not be blank")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	// a resume may name no ids and settle whatever the payment covers
	if len(ids) == 0 && req.PaymentID == "" {
		return req, apierr.New(apierr.InvalidRequest, "at least one appointment id is required")
	}
	// claims are taken in id order so two contenders cannot both stall
	sort.Strings(ids)
	req.AppointmentIDs = ids
	return req, nil
}

// Settle records one payment for req and closes its appointments. Callers
// must have authorized req.OwnerEmail already.
func (c *Coordinator) Settle(ctx context.Context, req Request) (*Result, error) {
	req, err := normalize(req)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
	defer cancel()

	log := c.logger.With(
		zap.String("owner", req.OwnerEmail),
		zap.Strings("appointments", req.AppointmentIDs))

	if res, ok, err := c.resume(ctx, req); ok || err != nil {
		return res, err
	}

	if err := c.checkPreconditions(ctx, req); err != nil {
		return nil, err
	}

	// a resumed id reaching this point was never written; the retry
	// takes over its claims under the same id
	id := req.PaymentID
	if id == "" {
		id = c.newID()
	}
	p := &models.Payment{
		ID:             id,
		Reference:      utils.NewReference(),
		Email:          req.OwnerEmail,
		Amount:         req.Amount,
		Currency:       req.Currency,
		AppointmentIDs: req.AppointmentIDs,
		TransactionID:  req.TransactionID,
		Status:         models.PaymentPending,
		CreatedAt:      c.now(),
	}
	log = log.With(zap.String("payment_id", p.ID))

	if c.tx != nil {
		res, err := c.settleInTransaction(ctx, p)
		if err != nil {
			log.Warn("settlement transaction failed", zap.Error(err))
			return nil, err
		}
		log.Info("payment settled", zap.Int("cleared", res.ClearedCount))
		return res, nil
	}

	res, err := c.settleCompensating(ctx, p, log)
	if err != nil {
		return nil, err
	}
	log.Info("payment settled", zap.Int("cleared", res.ClearedCount))
	return res, nil
}

// resume handles requests that touch a pending payment. Naming the
// payment in req.PaymentID finishes it; overlapping one without naming it
// is rejected, so a concurrent duplicate can never adopt an in-flight
// settlement. A named payment that was never recorded falls through to a
// fresh settlement when its claims are still held.
func (c *Coordinator) resume(ctx context.Context, req Request) (*Result, bool, error) {
	if req.PaymentID != "" {
		p, err := c.ledger.Get(ctx, req.PaymentID)
		if errors.Is(err, store.ErrNotFound) {
			held, herr := c.holdsClaims(ctx, req)
			if herr != nil {
				return nil, false, herr
			}
			if !held {
				return nil, false, apierr.Newf(apierr.InvalidRequest, "payment %s does not exist", req.PaymentID)
			}
			c.logger.Info("retrying unrecorded payment",
				zap.String("payment_id", req.PaymentID),
				zap.String("owner", req.OwnerEmail))
			return nil, false, nil
		}
		if err != nil {
			return nil, false, storeError(err, "failed to load payment")
		}
		if models.NormalizeEmail(p.Email) != req.OwnerEmail {
			return nil, false, apierr.Newf(apierr.InvalidRequest, "payment %s does not belong to %s", p.ID, req.OwnerEmail)
		}
		if !p.References(req.AppointmentIDs) {
			return nil, false, apierr.Newf(apierr.InvalidRequest, "payment %s does not cover the requested appointments", p.ID)
		}
		c.logger.Info("resuming payment",
			zap.String("payment_id", p.ID),
			zap.String("owner", req.OwnerEmail))
		res, err := c.finish(ctx, p)
		return res, true, err
	}

	pending, err := c.ledger.FindPending(ctx, req.OwnerEmail)
	if err != nil {
		return nil, false, storeError(err, "failed to look up pending payments")
	}
	for i := range pending {
		if overlaps(pending[i].AppointmentIDs, req.AppointmentIDs) {
			return nil, false, apierr.Newf(apierr.InvalidRequest,
				"appointments are pending reconciliation under payment %s; retry with its paymentId", pending[i].ID)
		}
	}
	return nil, false, nil
}

func (c *Coordinator) checkPreconditions(ctx context.Context, req Request) error {
	found, err := c.bookings.FindByIDs(ctx, req.AppointmentIDs)
	if err != nil {
		return storeError(err, "failed to load appointments")
	}
	byID := make(map[string]*models.Appointment, len(found))
	for i := range found {
		byID[found[i].ID] = &found[i]
	}
	for _, id := range req.AppointmentIDs {
		a, ok := byID[id]
		switch {
		case !ok:
			return apierr.Newf(apierr.InvalidRequest, "appointment %s does not exist", id)
		case models.NormalizeEmail(a.Email) != req.OwnerEmail:
			return apierr.Newf(apierr.InvalidRequest, "appointment %s does not belong to %s", id, req.OwnerEmail)
		case a.Status == models.AppointmentSettling && req.PaymentID != "" && a.SettlementID == req.PaymentID:
		case a.Status != models.AppointmentBooked:
			return apierr.Newf(apierr.InvalidRequest, "appointment %s is already %s", id, a.Status)
		}
	}
	return nil
}

// holdsClaims reports whether any requested appointment is still claimed
// under req.PaymentID.
func (c *Coordinator) holdsClaims(ctx context.Context, req Request) (bool, error) {
	if len(req.AppointmentIDs) == 0 {
		return false, nil
	}
	found, err := c.bookings.FindByIDs(ctx, req.AppointmentIDs)
	if err != nil {
		return false, storeError(err, "failed to load appointments")
	}
	for i := range found {
		a := &found[i]
		if a.Status == models.AppointmentSettling && a.SettlementID == req.PaymentID &&
			models.NormalizeEmail(a.Email) == req.OwnerEmail {
			return true, nil
		}
	}
	return false, nil
}

func (c *Coordinator) settleInTransaction(ctx context.Context, p *models.Payment) (*Result, error) {
	err := c.tx.WithTransaction(ctx, func(ctx context.Context) error {
		now := c.now()
		for _, id := range p.AppointmentIDs {
			ok, err := c.bookings.Claim(ctx, id, p.Email, p.ID, now)
			if err != nil {
				return err
			}
			if !ok {
				return apierr.Newf(apierr.InvalidRequest, "appointment %s is no longer open for settlement", id)
			}
		}
		p.Status = models.PaymentCommitted
		p.CommittedAt = &now
		if err := c.ledger.Insert(ctx, p); err != nil {
			return err
		}
		for _, id := range p.AppointmentIDs {
			if err := c.bookings.MarkSettled(ctx, id, p.Email, p.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		p.Status = models.PaymentPending
		p.CommittedAt = nil
		if apierr.KindOf(err) == apierr.InvalidRequest {
			return nil, err
		}
		return nil, storeError(err, "settlement transaction failed")
	}
	return &Result{Payment: p, ClearedCount: len(p.AppointmentIDs)}, nil
}

func (c *Coordinator) settleCompensating(ctx context.Context, p *models.Payment, log *zap.Logger) (*Result, error) {
	now := c.now()
	for _, id := range p.AppointmentIDs {
		ok, err := c.bookings.Claim(ctx, id, p.Email, p.ID, now)
		if err == nil && ok {
			continue
		}
		c.release(ctx, p.ID, log)
		if err != nil {
			return nil, storeError(err, "failed to claim appointments")
		}
		return nil, apierr.Newf(apierr.InvalidRequest, "appointment %s is no longer open for settlement", id)
	}

	if err := c.ledger.Insert(ctx, p); err != nil && !errors.Is(err, store.ErrDuplicate) {
		_, gerr := c.ledger.Get(ctx, p.ID)
		switch {
		case gerr == nil:
			// the insert landed even though the call failed
		case errors.Is(gerr, store.ErrNotFound):
			log.Warn("payment insert failed, releasing claims", zap.Error(err))
			c.release(ctx, p.ID, log)
			return nil, storeError(err, "failed to record payment")
		default:
			log.Error("payment insert outcome unknown, leaving claims for the reconciler",
				zap.Error(err), zap.NamedError("lookup_error", gerr))
			ae := apierr.Wrap(err, apierr.StoreUnavailable, "failed to record payment, retry with its paymentId")
			ae.PaymentID = p.ID
			return nil, ae
		}
	}

	return c.finish(ctx, p)
}

// finish marks every appointment of a pending payment settled and then
// commits the payment.
func (c *Coordinator) finish(ctx context.Context, p *models.Payment) (*Result, error) {
	log := c.logger.With(zap.String("payment_id", p.ID))
	if p.Status == models.PaymentCommitted {
		return &Result{Payment: p, ClearedCount: len(p.AppointmentIDs)}, nil
	}

	now := c.now()
	unreconciled := []string{}
	var lastErr error
	for _, id := range p.AppointmentIDs {
		if err := c.bookings.MarkSettled(ctx, id, p.Email, p.ID, now); err != nil {
			log.Warn("failed to settle appointment", zap.String("appointment_id", id), zap.Error(err))
			unreconciled = append(unreconciled, id)
			lastErr = err
		}
	}
	if len(unreconciled) > 0 {
		return nil, apierr.Incomplete(p.ID, unreconciled, lastErr)
	}

	if err := c.ledger.UpdateStatus(ctx, p.ID, models.PaymentCommitted, now); err != nil {
		log.Warn("failed to commit payment", zap.Error(err))
		return nil, apierr.Incomplete(p.ID, nil, err)
	}
	p.Status = models.PaymentCommitted
	p.CommittedAt = &now
	return &Result{Payment: p, ClearedCount: len(p.AppointmentIDs)}, nil
}

// Reconcile completes the pending payment paymentID. It is safe to call
// any number of times; a committed payment is returned unchanged.
func (c *Coordinator) Reconcile(ctx context.Context, paymentID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Timeout)
	defer cancel()

	p, err := c.ledger.Get(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.Newf(apierr.NotFound, "payment %s does not exist", paymentID)
	}
	if err != nil {
		return nil, storeError(err, "failed to load payment")
	}
	return c.finish(ctx, p)
}

// Payment loads a payment for ownership checks ahead of Reconcile.
func (c *Coordinator) Payment(ctx context.Context, paymentID string) (*models.Payment, error) {
	p, err := c.ledger.Get(ctx, paymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.Newf(apierr.NotFound, "payment %s does not exist", paymentID)
	}
	if err != nil {
		return nil, storeError(err, "failed to load payment")
	}
	return p, nil
}

func (c *Coordinator) release(ctx context.Context, token string, log *zap.Logger) {
	n, err := c.bookings.Release(ctx, token)
	if err != nil {
		log.Error("failed to release claims", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("released claims", zap.Int64("count", n))
	}
}

func overlaps(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// storeError maps a store failure onto the API taxonomy. Errors that
// already carry a kind are passed through.
func storeError(err error, detail string) error {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, store.ErrUnavailable) || store.IsTransient(err) {
		return apierr.Wrap(err, apierr.StoreUnavailable, detail)
	}
	return apierr.Wrap(err, apierr.Internal, detail)
}
