package settlement

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savvycare/backend/apierr"
	"github.com/savvycare/backend/models"
)

func settleReq(owner string, ids ...string) Request {
	return Request{OwnerEmail: owner, Amount: 5000, Currency: "usd", AppointmentIDs: ids}
}

func requireKind(t *testing.T, err error, kind apierr.Kind) *apierr.Error {
	t.Helper()
	require.Error(t, err)
	var ae *apierr.Error
	require.ErrorAs(t, err, &ae)
	require.Equal(t, kind, ae.Kind, ae.Error())
	return ae
}

func TestSettleScenario(t *testing.T) {
	for _, m := range modes {
		t.Run(string(m), func(t *testing.T) {
			h := newHarness(t, m)
			h.book(t, "a@x.com", "ap1", "ap2")

			res, err := h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1", "ap2"))
			require.NoError(t, err)
			assert.Equal(t, 2, res.ClearedCount)
			assert.Equal(t, models.PaymentCommitted, res.Payment.Status)
			assert.EqualValues(t, 5000, res.Payment.Amount)
			assert.Equal(t, "usd", res.Payment.Currency)
			assert.Len(t, res.Payment.Reference, 8)

			assert.Equal(t, models.AppointmentSettled, h.status(t, "ap1"))
			assert.Equal(t, models.AppointmentSettled, h.status(t, "ap2"))

			ps := h.payments(t, "a@x.com")
			require.Len(t, ps, 1)
			assert.Equal(t, res.Payment.ID, ps[0].ID)
			assert.Equal(t, models.PaymentCommitted, ps[0].Status)
			assert.ElementsMatch(t, []string{"ap1", "ap2"}, ps[0].AppointmentIDs)
		})
	}
}

func TestSettleValidation(t *testing.T) {
	h := newHarness(t, compensating)
	h.book(t, "a@x.com", "ap1")

	cases := []struct {
		name string
		req  Request
	}{
		{"empty ids", settleReq("a@x.com")},
		{"blank id", settleReq("a@x.com", "ap1", " ")},
		{"zero amount", Request{OwnerEmail: "a@x.com", Amount: 0, Currency: "usd", AppointmentIDs: []string{"ap1"}}},
		{"negative amount", Request{OwnerEmail: "a@x.com", Amount: -1, Currency: "usd", AppointmentIDs: []string{"ap1"}}},
		{"bad currency", Request{OwnerEmail: "a@x.com", Amount: 1, Currency: "dollars", AppointmentIDs: []string{"ap1"}}},
		{"no owner", Request{Amount: 1, Currency: "usd", AppointmentIDs: []string{"ap1"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.coord.Settle(context.Background(), tc.req)
			requireKind(t, err, apierr.InvalidRequest)
		})
	}
	assert.Empty(t, h.payments(t, "a@x.com"))
	assert.Equal(t, models.AppointmentBooked, h.status(t, "ap1"))
}

func TestSettleDeduplicatesIDs(t *testing.T) {
	h := newHarness(t, compensating)
	h.book(t, "a@x.com", "ap1")

	res, err := h.coord.Settle(context.Background(), settleReq("A@x.com", "ap1", "ap1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ClearedCount)
	assert.Equal(t, "a@x.com", res.Payment.Email)
}

func TestSettleForeignAppointment(t *testing.T) {
	for _, m := range modes {
		t.Run(string(m), func(t *testing.T) {
			h := newHarness(t, m)
			h.book(t, "a@x.com", "ap1")
			h.book(t, "b@x.com", "bp1")

			_, err := h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1", "bp1"))
			requireKind(t, err, apierr.InvalidRequest)

			assert.Empty(t, h.payments(t, "a@x.com"))
			assert.Empty(t, h.payments(t, "b@x.com"))
			assert.Equal(t, models.AppointmentBooked, h.status(t, "ap1"))
			assert.Equal(t, models.AppointmentBooked, h.status(t, "bp1"))
		})
	}
}

func TestSettleMissingAppointment(t *testing.T) {
	h := newHarness(t, compensating)
	h.book(t, "a@x.com", "ap1")

	_, err := h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1", "ghost"))
	requireKind(t, err, apierr.InvalidRequest)
	assert.Empty(t, h.payments(t, "a@x.com"))
}

func TestSettleTwice(t *testing.T) {
	for _, m := range modes {
		t.Run(string(m), func(t *testing.T) {
			h := newHarness(t, m)
			h.book(t, "a@x.com", "ap1")

			_, err := h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1"))
			require.NoError(t, err)
			_, err = h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1"))
			requireKind(t, err, apierr.InvalidRequest)
			assert.Len(t, h.payments(t, "a@x.com"), 1)
		})
	}
}

func TestConcurrentSettlementsShareOneWinner(t *testing.T) {
	for _, m := range modes {
		t.Run(string(m), func(t *testing.T) {
			h := newHarness(t, m)
			for round := 0; round < 20; round++ {
				a, b, c := fmt.Sprintf("r%02d-a", round), fmt.Sprintf("r%02d-b", round), fmt.Sprintf("r%02d-c", round)
				h.book(t, "a@x.com", a, b, c)

				reqs := []Request{settleReq("a@x.com", a, b), settleReq("a@x.com", b, c)}
				errs := make([]error, len(reqs))
				var wg sync.WaitGroup
				start := make(chan struct{})
				for i := range reqs {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						<-start
						_, errs[i] = h.coord.Settle(context.Background(), reqs[i])
					}(i)
				}
				close(start)
				wg.Wait()

				wins := 0
				for _, err := range errs {
					if err == nil {
						wins++
						continue
					}
					assert.Equal(t, apierr.InvalidRequest, apierr.KindOf(err), err.Error())
				}
				assert.Equal(t, 1, wins, "round %d", round)
				assert.Equal(t, models.AppointmentSettled, h.status(t, b))
			}
			assert.Len(t, h.payments(t, "a@x.com"), 20)
		})
	}
}

func TestPartialFailureThenReplay(t *testing.T) {
	h := newHarness(t, compensating)
	h.book(t, "a@x.com", "ap1", "ap2")
	h.bookings.failMarking("ap2")

	_, err := h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1", "ap2"))
	ae := requireKind(t, err, apierr.ReconciliationIncomplete)
	assert.Equal(t, []string{"ap2"}, ae.Unreconciled)
	require.NotEmpty(t, ae.PaymentID)

	ps := h.payments(t, "a@x.com")
	require.Len(t, ps, 1)
	assert.Equal(t, models.PaymentPending, ps[0].Status)
	assert.Equal(t, models.AppointmentSettled, h.status(t, "ap1"))
	assert.Equal(t, models.AppointmentSettling, h.status(t, "ap2"))

	h.bookings.heal()

	// replaying the ids alone must not open a second payment
	_, err = h.coord.Settle(context.Background(), settleReq("a@x.com", ae.Unreconciled...))
	requireKind(t, err, apierr.InvalidRequest)
	assert.Len(t, h.payments(t, "a@x.com"), 1)

	replay := settleReq("a@x.com", ae.Unreconciled...)
	replay.PaymentID = ae.PaymentID
	res, err := h.coord.Settle(context.Background(), replay)
	require.NoError(t, err)
	assert.Equal(t, ae.PaymentID, res.Payment.ID)
	assert.Equal(t, 2, res.ClearedCount)
	assert.Equal(t, models.AppointmentSettled, h.status(t, "ap2"))

	ps = h.payments(t, "a@x.com")
	require.Len(t, ps, 1)
	assert.Equal(t, models.PaymentCommitted, ps[0].Status)

	// and once more is harmless
	res, err = h.coord.Settle(context.Background(), replay)
	require.NoError(t, err)
	assert.Equal(t, ae.PaymentID, res.Payment.ID)
	assert.Len(t, h.payments(t, "a@x.com"), 1)
}

func TestReplayRejectsForeignOrUncoveredIDs(t *testing.T) {
	h := newHarness(t, compensating)
	h.book(t, "a@x.com", "ap1", "ap2")
	h.book(t, "b@x.com", "bp1")
	h.bookings.failMarking("ap2")

	_, err := h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1", "ap2"))
	ae := requireKind(t, err, apierr.ReconciliationIncomplete)

	wrongOwner := settleReq("b@x.com", "ap2")
	wrongOwner.PaymentID = ae.PaymentID
	_, err = h.coord.Settle(context.Background(), wrongOwner)
	requireKind(t, err, apierr.InvalidRequest)

	uncovered := settleReq("a@x.com", "ap2", "bp1")
	uncovered.PaymentID = ae.PaymentID
	_, err = h.coord.Settle(context.Background(), uncovered)
	requireKind(t, err, apierr.InvalidRequest)

	unknown := settleReq("a@x.com", "ap2")
	unknown.PaymentID = "nope"
	_, err = h.coord.Settle(context.Background(), unknown)
	requireKind(t, err, apierr.InvalidRequest)
}

func TestCommitFailureIsIncomplete(t *testing.T) {
	h := newHarness(t, compensating)
	h.book(t, "a@x.com", "ap1")
	h.ledger.set(func(f *faultyLedger) { f.failUpdate = true })

	_, err := h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1"))
	ae := requireKind(t, err, apierr.ReconciliationIncomplete)
	assert.Empty(t, ae.Unreconciled)
	assert.NotNil(t, ae.Unreconciled)
	assert.Equal(t, models.AppointmentSettled, h.status(t, "ap1"))

	h.ledger.set(func(f *faultyLedger) { f.failUpdate = false })
	res, err := h.coord.Reconcile(context.Background(), ae.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCommitted, res.Payment.Status)
}

func TestCommitFailureReplayWithReturnedIDs(t *testing.T) {
	h := newHarness(t, compensating)
	h.book(t, "a@x.com", "ap1")
	h.ledger.set(func(f *faultyLedger) { f.failUpdate = true })

	_, err := h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1"))
	ae := requireKind(t, err, apierr.ReconciliationIncomplete)
	require.Empty(t, ae.Unreconciled)

	h.ledger.set(func(f *faultyLedger) { f.failUpdate = false })
	replay := settleReq("a@x.com", ae.Unreconciled...)
	replay.PaymentID = ae.PaymentID
	res, err := h.coord.Settle(context.Background(), replay)
	require.NoError(t, err)
	assert.Equal(t, ae.PaymentID, res.Payment.ID)
	assert.Equal(t, 1, res.ClearedCount)

	ps := h.payments(t, "a@x.com")
	require.Len(t, ps, 1)
	assert.Equal(t, models.PaymentCommitted, ps[0].Status)
}

func TestInsertLostReleasesClaims(t *testing.T) {
	h := newHarness(t, compensating)
	h.book(t, "a@x.com", "ap1", "ap2")
	h.ledger.set(func(f *faultyLedger) { f.insert = insertLost })

	_, err := h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1", "ap2"))
	requireKind(t, err, apierr.StoreUnavailable)

	assert.Empty(t, h.payments(t, "a@x.com"))
	assert.Equal(t, models.AppointmentBooked, h.status(t, "ap1"))
	assert.Equal(t, models.AppointmentBooked, h.status(t, "ap2"))

	h.ledger.set(func(f *faultyLedger) { f.insert = insertOK })
	res, err := h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1", "ap2"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.ClearedCount)
}

func TestInsertLandedDespiteError(t *testing.T) {
	h := newHarness(t, compensating)
	h.book(t, "a@x.com", "ap1")
	h.ledger.set(func(f *faultyLedger) { f.insert = insertLanded })

	res, err := h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ClearedCount)
	assert.Len(t, h.payments(t, "a@x.com"), 1)
}

func TestInsertOutcomeUnknownKeepsClaims(t *testing.T) {
	h := newHarness(t, compensating)
	h.book(t, "a@x.com", "ap1")
	h.ledger.set(func(f *faultyLedger) {
		f.insert = insertLost
		f.failGet = true
	})

	_, err := h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1"))
	ae := requireKind(t, err, apierr.StoreUnavailable)
	require.NotEmpty(t, ae.PaymentID)
	assert.Equal(t, models.AppointmentSettling, h.status(t, "ap1"))
	assert.Empty(t, h.payments(t, "a@x.com"))

	h.ledger.set(func(f *faultyLedger) {
		f.insert = insertOK
		f.failGet = false
	})

	// without the id the held claim still blocks a second payment
	_, err = h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1"))
	requireKind(t, err, apierr.InvalidRequest)

	retry := settleReq("a@x.com", "ap1")
	retry.PaymentID = ae.PaymentID
	res, err := h.coord.Settle(context.Background(), retry)
	require.NoError(t, err)
	assert.Equal(t, ae.PaymentID, res.Payment.ID)
	assert.Equal(t, models.PaymentCommitted, res.Payment.Status)
	assert.Equal(t, models.AppointmentSettled, h.status(t, "ap1"))
	assert.Len(t, h.payments(t, "a@x.com"), 1)
}

func TestUnrecordedPaymentIDNeedsHeldClaims(t *testing.T) {
	h := newHarness(t, compensating)
	h.book(t, "a@x.com", "ap1")

	req := settleReq("a@x.com", "ap1")
	req.PaymentID = "made-up"
	_, err := h.coord.Settle(context.Background(), req)
	requireKind(t, err, apierr.InvalidRequest)

	req.AppointmentIDs = nil
	_, err = h.coord.Settle(context.Background(), req)
	requireKind(t, err, apierr.InvalidRequest)

	assert.Empty(t, h.payments(t, "a@x.com"))
	assert.Equal(t, models.AppointmentBooked, h.status(t, "ap1"))
}

func TestTransactionRollsBackOnFailure(t *testing.T) {
	h := newHarness(t, transactional)
	h.book(t, "a@x.com", "ap1", "ap2")
	h.bookings.failMarking("ap2")

	_, err := h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1", "ap2"))
	requireKind(t, err, apierr.StoreUnavailable)

	assert.Empty(t, h.payments(t, "a@x.com"))
	assert.Equal(t, models.AppointmentBooked, h.status(t, "ap1"))
	assert.Equal(t, models.AppointmentBooked, h.status(t, "ap2"))
}

func TestSettleIgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t, compensating)
	h.book(t, "a@x.com", "ap1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := h.coord.Settle(ctx, settleReq("a@x.com", "ap1"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.ClearedCount)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t, compensating)
	h.book(t, "a@x.com", "ap1")

	_, err := h.coord.Reconcile(context.Background(), "missing")
	requireKind(t, err, apierr.NotFound)

	res, err := h.coord.Settle(context.Background(), settleReq("a@x.com", "ap1"))
	require.NoError(t, err)

	again, err := h.coord.Reconcile(context.Background(), res.Payment.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Payment.ID, again.Payment.ID)
	assert.Equal(t, models.PaymentCommitted, again.Payment.Status)
	assert.Len(t, h.payments(t, "a@x.com"), 1)
}
