package settlement

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/savvycare/backend/models"
	"github.com/savvycare/backend/store"
)

var errInjected = fmt.Errorf("injected: %w", store.ErrUnavailable)

// faultyBookings fails MarkSettled for selected ids until healed.
type faultyBookings struct {
	*store.BoltBookings
	mu       sync.Mutex
	failMark map[string]bool
}

func (f *faultyBookings) failMarking(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.failMark[id] = true
	}
}

func (f *faultyBookings) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failMark = map[string]bool{}
}

func (f *faultyBookings) MarkSettled(ctx context.Context, id, owner, token string, at time.Time) error {
	f.mu.Lock()
	fail := f.failMark[id]
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	return f.BoltBookings.MarkSettled(ctx, id, owner, token, at)
}

type insertFault int

const (
	insertOK insertFault = iota
	// fail before anything is written
	insertLost
	// write, then report failure
	insertLanded
)

// faultyLedger injects failures into the ledger calls the coordinator
// depends on.
type faultyLedger struct {
	*store.BoltLedger
	mu         sync.Mutex
	insert     insertFault
	failGet    bool
	failUpdate bool
}

func (f *faultyLedger) set(fn func(f *faultyLedger)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *faultyLedger) Insert(ctx context.Context, p *models.Payment) error {
	f.mu.Lock()
	mode := f.insert
	f.mu.Unlock()
	switch mode {
	case insertLost:
		return errInjected
	case insertLanded:
		if err := f.BoltLedger.Insert(ctx, p); err != nil {
			return err
		}
		return errInjected
	}
	return f.BoltLedger.Insert(ctx, p)
}

func (f *faultyLedger) Get(ctx context.Context, id string) (*models.Payment, error) {
	f.mu.Lock()
	fail := f.failGet
	f.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	return f.BoltLedger.Get(ctx, id)
}

func (f *faultyLedger) UpdateStatus(ctx context.Context, id string, status models.PaymentStatus, at time.Time) error {
	f.mu.Lock()
	fail := f.failUpdate
	f.mu.Unlock()
	if fail {
		return errInjected
	}
	return f.BoltLedger.UpdateStatus(ctx, id, status, at)
}

type harness struct {
	coord    *Coordinator
	bookings *faultyBookings
	ledger   *faultyLedger
	db       *store.Bolt
}

type mode string

const (
	transactional mode = "transactional"
	compensating  mode = "compensating"
)

var modes = []mode{transactional, compensating}

func newHarness(t *testing.T, m mode) *harness {
	t.Helper()
	db, err := store.OpenBolt(filepath.Join(t.TempDir(), "settle.db"), store.RetryConfig{
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		OpTimeout:       time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{
		bookings: &faultyBookings{BoltBookings: db.Bookings(), failMark: map[string]bool{}},
		ledger:   &faultyLedger{BoltLedger: db.Ledger()},
		db:       db,
	}
	var tx Transactor
	if m == transactional {
		tx = db
	}
	h.coord = NewCoordinator(h.bookings, h.ledger, tx, zap.NewNop(), Options{Timeout: 5 * time.Second})
	return h
}

func (h *harness) book(t *testing.T, owner string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, h.bookings.Insert(context.Background(), &models.Appointment{
			ID:          id,
			Email:       owner,
			DoctorID:    "doc-1",
			ScheduledAt: time.Now().Add(24 * time.Hour),
			Price:       2500,
			Status:      models.AppointmentBooked,
			CreatedAt:   time.Now(),
		}))
	}
}

func (h *harness) status(t *testing.T, id string) models.AppointmentStatus {
	t.Helper()
	items, err := h.bookings.FindByIDs(context.Background(), []string{id})
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0].Status
}

func (h *harness) payments(t *testing.T, owner string) []models.Payment {
	t.Helper()
	ps, err := h.ledger.FindByOwner(context.Background(), owner)
	require.NoError(t, err)
	return ps
}
