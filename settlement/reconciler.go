package settlement

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/savvycare/backend/store"
)

// Reconciler periodically finishes settlements that were interrupted:
// pending payments past the grace period and appointments left claimed
// without a payment.
type Reconciler struct {
	coord    *Coordinator
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger

	serviceCtx    context.Context
	serviceCancel context.CancelFunc
	wg            sync.WaitGroup
}

func NewReconciler(coord *Coordinator, interval, grace time.Duration, logger *zap.Logger) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		coord:         coord,
		interval:      interval,
		grace:         grace,
		logger:        logger,
		serviceCtx:    ctx,
		serviceCancel: cancel,
	}
}

// Start launches the sweep loop. A zero interval disables it.
func (r *Reconciler) Start() {
	if r.interval <= 0 {
		r.logger.Info("reconciler disabled")
		return
	}
	r.logger.Info("reconciler starting",
		zap.Duration("interval", r.interval),
		zap.Duration("grace", r.grace))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(r.interval)
		defer t.Stop()
		for {
			select {
			case <-r.serviceCtx.Done():
				return
			case <-t.C:
				r.Sweep(r.serviceCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-progress sweep, or for ctx.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.serviceCancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("reconciler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Committed int
	Released  int64
	Failed    int
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) SweepReport {
	var rep SweepReport
	cutoff := r.coord.now().Add(-r.grace)

	pending, err := r.coord.ledger.ListPending(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to list pending payments", zap.Error(err))
		rep.Failed++
	}
	for _, p := range pending {
		if _, err := r.coord.Reconcile(ctx, p.ID); err != nil {
			r.logger.Warn("pending payment still unreconciled",
				zap.String("payment_id", p.ID),
				zap.Error(err))
			rep.Failed++
			continue
		}
		rep.Committed++
	}

	stale, err := r.coord.bookings.FindStaleClaims(ctx, cutoff)
	if err != nil {
		r.logger.Error("failed to list stale claims", zap.Error(err))
		rep.Failed++
		return rep
	}
	tokens := map[string]struct{}{}
	for _, a := range stale {
		tokens[a.SettlementID] = struct{}{}
	}
	for token := range tokens {
		_, err := r.coord.ledger.Get(ctx, token)
		switch {
		case err == nil:
			if _, err := r.coord.Reconcile(ctx, token); err != nil {
				r.logger.Warn("failed to reconcile claimed appointments",
					zap.String("payment_id", token), zap.Error(err))
				rep.Failed++
				continue
			}
			rep.Committed++
		case errors.Is(err, store.ErrNotFound):
			n, err := r.coord.bookings.Release(ctx, token)
			if err != nil {
				r.logger.Warn("failed to release stale claim",
					zap.String("token", token), zap.Error(err))
				rep.Failed++
				continue
			}
			r.logger.Info("released stale claim", zap.String("token", token), zap.Int64("count", n))
			rep.Released += n
		default:
			r.logger.Warn("failed to check stale claim", zap.String("token", token), zap.Error(err))
			rep.Failed++
		}
	}

	if rep.Committed > 0 || rep.Released > 0 || rep.Failed > 0 {
		r.logger.Info("reconciliation sweep finished",
			zap.Int("committed", rep.Committed),
			zap.Int64("released", rep.Released),
			zap.Int("failed", rep.Failed))
	}
	return rep
}
