package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/savvycare/backend/models"
)

var (
	appointmentsBucket = []byte("appointments")
	paymentsBucket     = []byte("payments")
)

// Bolt is an embedded single-file store for appointments and payments.
// Both buckets live in one file, so WithTransaction spans them.
type Bolt struct {
	db    *bolt.DB
	retry *Retrier
}

// OpenBolt opens (or creates) the database at path and ensures the buckets
// exist.
func OpenBolt(path string, retry RetryConfig, logger *zap.Logger) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open bolt file %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{appointmentsBucket, paymentsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create buckets")
	}

	return &Bolt{db: db, retry: NewRetrier(retry, logger)}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

// WithTransaction runs fn in one read-write transaction. Store calls made
// with the ctx passed to fn join it; returning an error rolls everything
// back.
func (b *Bolt) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if boltTxFrom(ctx) != nil {
		return fn(ctx)
	}
	return b.retry.Once(ctx, "bolt.transaction", func(ctx context.Context) error {
		return b.db.Update(func(tx *bolt.Tx) error {
			return fn(withBoltTx(ctx, tx))
		})
	})
}

func (b *Bolt) Bookings() *BoltBookings { return &BoltBookings{b} }
func (b *Bolt) Ledger() *BoltLedger     { return &BoltLedger{b} }

func (b *Bolt) update(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	if tx := boltTxFrom(ctx); tx != nil {
		return b.retry.Once(ctx, op, func(context.Context) error { return fn(tx) })
	}
	return b.retry.Do(ctx, op, func(context.Context) error { return b.db.Update(fn) })
}

func (b *Bolt) view(ctx context.Context, op string, fn func(tx *bolt.Tx) error) error {
	if tx := boltTxFrom(ctx); tx != nil {
		return b.retry.Once(ctx, op, func(context.Context) error { return fn(tx) })
	}
	return b.retry.Do(ctx, op, func(context.Context) error { return b.db.View(fn) })
}

func getJSON(bk *bolt.Bucket, id string, v any) (bool, error) {
	raw := bk.Get([]byte(id))
	if raw == nil {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func putJSON(bk *bolt.Bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return bk.Put([]byte(id), data)
}

func scan[T any](bk *bolt.Bucket, keep func(*T) bool) ([]T, error) {
	out := []T{}
	err := bk.ForEach(func(_, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		if keep(&item) {
			out = append(out, item)
		}
		return nil
	})
	return out, err
}

// BoltBookings implements the booking store on Bolt.
type BoltBookings struct{ b *Bolt }

func (s *BoltBookings) Insert(ctx context.Context, a *models.Appointment) error {
	return s.b.update(ctx, "appointments.insert", func(tx *bolt.Tx) error {
		bk := tx.Bucket(appointmentsBucket)
		if bk.Get([]byte(a.ID)) != nil {
			return ErrDuplicate
		}
		return putJSON(bk, a.ID, a)
	})
}

func (s *BoltBookings) FindByOwner(ctx context.Context, owner string) ([]models.Appointment, error) {
	return s.scan(ctx, "appointments.findByOwner", func(a *models.Appointment) bool {
		return a.Email == owner
	})
}

func (s *BoltBookings) FindByIDs(ctx context.Context, ids []string) ([]models.Appointment, error) {
	out := []models.Appointment{}
	err := s.b.view(ctx, "appointments.findByIds", func(tx *bolt.Tx) error {
		out = out[:0]
		bk := tx.Bucket(appointmentsBucket)
		for _, id := range ids {
			var a models.Appointment
			ok, err := getJSON(bk, id, &a)
			if err != nil {
				return err
			}
			if ok {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltBookings) FindStaleClaims(ctx context.Context, before time.Time) ([]models.Appointment, error) {
	return s.scan(ctx, "appointments.findStaleClaims", func(a *models.Appointment) bool {
		return a.Status == models.AppointmentSettling && a.ClaimedAt != nil && a.ClaimedAt.Before(before)
	})
}

func (s *BoltBookings) scan(ctx context.Context, op string, keep func(*models.Appointment) bool) ([]models.Appointment, error) {
	var out []models.Appointment
	err := s.b.view(ctx, op, func(tx *bolt.Tx) error {
		var err error
		out, err = scan(tx.Bucket(appointmentsBucket), keep)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *BoltBookings) Claim(ctx context.Context, id, owner, token string, at time.Time) (bool, error) {
	var claimed bool
	err := s.b.update(ctx, "appointments.claim", func(tx *bolt.Tx) error {
		claimed = false
		bk := tx.Bucket(appointmentsBucket)
		var a models.Appointment
		ok, err := getJSON(bk, id, &a)
		if err != nil || !ok || a.Email != owner {
			return err
		}
		free := a.Status == models.AppointmentBooked
		mine := a.Status == models.AppointmentSettling && a.SettlementID == token
		if !free && !mine {
			return nil
		}
		a.Status = models.AppointmentSettling
		a.SettlementID = token
		a.ClaimedAt = &at
		claimed = true
		return putJSON(bk, id, &a)
	})
	return claimed, err
}

func (s *BoltBookings) Release(ctx context.Context, token string) (int64, error) {
	var n int64
	err := s.b.update(ctx, "appointments.release", func(tx *bolt.Tx) error {
		n = 0
		bk := tx.Bucket(appointmentsBucket)
		held, err := scan(bk, func(a *models.Appointment) bool {
			return a.Status == models.AppointmentSettling && a.SettlementID == token
		})
		if err != nil {
			return err
		}
		for i := range held {
			a := &held[i]
			a.Status = models.AppointmentBooked
			a.SettlementID = ""
			a.ClaimedAt = nil
			if err := putJSON(bk, a.ID, a); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (s *BoltBookings) MarkSettled(ctx context.Context, id, owner, token string, at time.Time) error {
	return s.b.update(ctx, "appointments.markSettled", func(tx *bolt.Tx) error {
		bk := tx.Bucket(appointmentsBucket)
		var a models.Appointment
		ok, err := getJSON(bk, id, &a)
		if err != nil {
			return err
		}
		if !ok || a.Email != owner {
			return ErrConflict
		}
		if a.SettlementID != token && a.Status != models.AppointmentBooked {
			return ErrConflict
		}
		a.Status = models.AppointmentSettled
		a.SettlementID = token
		a.SettledAt = &at
		return putJSON(bk, id, &a)
	})
}

func (s *BoltBookings) DeleteMany(ctx context.Context, owner string, ids []string) (int64, error) {
	var n int64
	err := s.b.update(ctx, "appointments.deleteMany", func(tx *bolt.Tx) error {
		n = 0
		bk := tx.Bucket(appointmentsBucket)
		for _, id := range ids {
			var a models.Appointment
			ok, err := getJSON(bk, id, &a)
			if err != nil {
				return err
			}
			if !ok || a.Email != owner || a.Status != models.AppointmentBooked {
				continue
			}
			if err := bk.Delete([]byte(id)); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// Count returns the number of outstanding appointments. Settled ones are
// kept for history and not counted.
func (s *BoltBookings) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.b.view(ctx, "appointments.count", func(tx *bolt.Tx) error {
		open, err := scan(tx.Bucket(appointmentsBucket), func(a *models.Appointment) bool {
			return a.Status != models.AppointmentSettled
		})
		n = int64(len(open))
		return err
	})
	return n, err
}

// BoltLedger implements the ledger store on Bolt.
type BoltLedger struct{ b *Bolt }

func (s *BoltLedger) Insert(ctx context.Context, p *models.Payment) error {
	return s.b.update(ctx, "payments.insert", func(tx *bolt.Tx) error {
		bk := tx.Bucket(paymentsBucket)
		if bk.Get([]byte(p.ID)) != nil {
			return ErrDuplicate
		}
		return putJSON(bk, p.ID, p)
	})
}

func (s *BoltLedger) Get(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	err := s.b.view(ctx, "payments.get", func(tx *bolt.Tx) error {
		ok, err := getJSON(tx.Bucket(paymentsBucket), id, &p)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltLedger) FindByOwner(ctx context.Context, owner string) ([]models.Payment, error) {
	return s.scan(ctx, "payments.findByOwner", func(p *models.Payment) bool {
		return p.Email == owner
	})
}

func (s *BoltLedger) FindPending(ctx context.Context, owner string) ([]models.Payment, error) {
	return s.scan(ctx, "payments.findPending", func(p *models.Payment) bool {
		return p.Email == owner && p.Status == models.PaymentPending
	})
}

func (s *BoltLedger) ListPending(ctx context.Context, before time.Time) ([]models.Payment, error) {
	return s.scan(ctx, "payments.listPending", func(p *models.Payment) bool {
		return p.Status == models.PaymentPending && p.CreatedAt.Before(before)
	})
}

func (s *BoltLedger) scan(ctx context.Context, op string, keep func(*models.Payment) bool) ([]models.Payment, error) {
	var out []models.Payment
	err := s.b.view(ctx, op, func(tx *bolt.Tx) error {
		var err error
		out, err = scan(tx.Bucket(paymentsBucket), keep)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *BoltLedger) UpdateStatus(ctx context.Context, id string, status models.PaymentStatus, at time.Time) error {
	return s.b.update(ctx, "payments.updateStatus", func(tx *bolt.Tx) error {
		bk := tx.Bucket(paymentsBucket)
		var p models.Payment
		ok, err := getJSON(bk, id, &p)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		p.Status = status
		if status == models.PaymentCommitted {
			p.CommittedAt = &at
		}
		return putJSON(bk, id, &p)
	})
}

func (s *BoltLedger) Revenue(ctx context.Context) (int64, error) {
	var total int64
	err := s.b.view(ctx, "payments.revenue", func(tx *bolt.Tx) error {
		total = 0
		return tx.Bucket(paymentsBucket).ForEach(func(_, v []byte) error {
			var p models.Payment
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.Status == models.PaymentCommitted {
				total += p.Amount
			}
			return nil
		})
	})
	return total, err
}
