package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/savvycare/backend/models"
)

// MongoBookings stores appointments. Settlement state changes go through
// conditional single-document updates, so two writers racing on the same
// appointment cannot both match.
type MongoBookings struct {
	coll  *mongo.Collection
	retry *Retrier
}

func (s *MongoBookings) Insert(ctx context.Context, a *models.Appointment) error {
	return s.retry.Do(ctx, "appointments.insert", func(ctx context.Context) error {
		_, err := s.coll.InsertOne(ctx, a)
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "failed to insert appointment")
	})
}

func (s *MongoBookings) FindByOwner(ctx context.Context, owner string) ([]models.Appointment, error) {
	return s.find(ctx, "appointments.findByOwner", bson.D{{Key: "email", Value: owner}})
}

func (s *MongoBookings) FindByIDs(ctx context.Context, ids []string) ([]models.Appointment, error) {
	return s.find(ctx, "appointments.findByIds", bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
}

// FindStaleClaims returns appointments left in settling since before t.
func (s *MongoBookings) FindStaleClaims(ctx context.Context, before time.Time) ([]models.Appointment, error) {
	return s.find(ctx, "appointments.findStaleClaims", bson.D{
		{Key: "status", Value: models.AppointmentSettling},
		{Key: "claimed_at", Value: bson.D{{Key: "$lt", Value: before}}},
	})
}

func (s *MongoBookings) find(ctx context.Context, op string, filter bson.D) ([]models.Appointment, error) {
	out := []models.Appointment{}
	err := s.retry.Do(ctx, op, func(ctx context.Context) error {
		cur, err := s.coll.Find(ctx, filter, newestFirst())
		if err != nil {
			return errors.Wrap(err, "failed to query appointments")
		}
		var items []models.Appointment
		if err := cur.All(ctx, &items); err != nil {
			return errors.Wrap(err, "failed to decode appointments")
		}
		if items != nil {
			out = items
		}
		return nil
	})
	return out, err
}

// Claim moves a booked appointment of owner to settling under token.
// Re-claiming under the same token succeeds, so a retried attempt whose
// first try already landed is harmless.
func (s *MongoBookings) Claim(ctx context.Context, id, owner, token string, at time.Time) (bool, error) {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "email", Value: owner},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "status", Value: models.AppointmentBooked}},
			bson.D{{Key: "status", Value: models.AppointmentSettling}, {Key: "settlement_id", Value: token}},
		}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: models.AppointmentSettling},
		{Key: "settlement_id", Value: token},
		{Key: "claimed_at", Value: at},
	}}}

	var claimed bool
	err := s.retry.Do(ctx, "appointments.claim", func(ctx context.Context) error {
		res, err := s.coll.UpdateOne(ctx, filter, update)
		if err != nil {
			return errors.Wrap(err, "failed to claim appointment")
		}
		claimed = res.MatchedCount == 1
		return nil
	})
	return claimed, err
}

// Release returns every appointment still settling under token to booked.
func (s *MongoBookings) Release(ctx context.Context, token string) (int64, error) {
	filter := bson.D{
		{Key: "settlement_id", Value: token},
		{Key: "status", Value: models.AppointmentSettling},
	}
	update := bson.D{
		{Key: "$set", Value: bson.D{{Key: "status", Value: models.AppointmentBooked}}},
		{Key: "$unset", Value: bson.D{{Key: "settlement_id", Value: ""}, {Key: "claimed_at", Value: ""}}},
	}

	var n int64
	err := s.retry.Do(ctx, "appointments.release", func(ctx context.Context) error {
		res, err := s.coll.UpdateMany(ctx, filter, update)
		if err != nil {
			return errors.Wrap(err, "failed to release appointments")
		}
		n = res.ModifiedCount
		return nil
	})
	return n, err
}

// MarkSettled closes an appointment for the payment identified by token.
// The appointment must be claimed by token already, or still booked.
// Anything else is ErrConflict.
func (s *MongoBookings) MarkSettled(ctx context.Context, id, owner, token string, at time.Time) error {
	filter := bson.D{
		{Key: "_id", Value: id},
		{Key: "email", Value: owner},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "settlement_id", Value: token}},
			bson.D{{Key: "status", Value: models.AppointmentBooked}},
		}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: models.AppointmentSettled},
		{Key: "settlement_id", Value: token},
		{Key: "settled_at", Value: at},
	}}}

	return s.retry.Do(ctx, "appointments.markSettled", func(ctx context.Context) error {
		res, err := s.coll.UpdateOne(ctx, filter, update)
		if err != nil {
			return errors.Wrap(err, "failed to settle appointment")
		}
		if res.MatchedCount == 0 {
			return ErrConflict
		}
		return nil
	})
}

// DeleteMany removes booked appointments of owner. Settling and settled
// ones are kept.
func (s *MongoBookings) DeleteMany(ctx context.Context, owner string, ids []string) (int64, error) {
	filter := bson.D{
		{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}},
		{Key: "email", Value: owner},
		{Key: "status", Value: models.AppointmentBooked},
	}
	var n int64
	err := s.retry.Do(ctx, "appointments.deleteMany", func(ctx context.Context) error {
		res, err := s.coll.DeleteMany(ctx, filter)
		if err != nil {
			return errors.Wrap(err, "failed to delete appointments")
		}
		n = res.DeletedCount
		return nil
	})
	return n, err
}

// Count returns the number of outstanding appointments. Settled ones are
// kept for history and not counted.
func (s *MongoBookings) Count(ctx context.Context) (int64, error) {
	filter := bson.D{{Key: "status", Value: bson.D{{Key: "$ne", Value: models.AppointmentSettled}}}}
	var n int64
	err := s.retry.Do(ctx, "appointments.count", func(ctx context.Context) error {
		var err error
		n, err = s.coll.CountDocuments(ctx, filter)
		return errors.Wrap(err, "failed to count appointments")
	})
	return n, err
}
