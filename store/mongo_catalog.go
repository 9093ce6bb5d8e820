package store

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/savvycare/backend/models"
)

type MongoDoctors struct {
	coll  *mongo.Collection
	retry *Retrier
}

func (s *MongoDoctors) Insert(ctx context.Context, d *models.Doctor) error {
	return s.retry.Do(ctx, "doctors.insert", func(ctx context.Context) error {
		_, err := s.coll.InsertOne(ctx, d)
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "failed to insert doctor")
	})
}

func (s *MongoDoctors) Get(ctx context.Context, id string) (*models.Doctor, error) {
	var d models.Doctor
	err := s.retry.Do(ctx, "doctors.get", func(ctx context.Context) error {
		err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&d)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrNotFound
		}
		return errors.Wrap(err, "failed to load doctor")
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *MongoDoctors) List(ctx context.Context) ([]models.Doctor, error) {
	return findAll[models.Doctor](ctx, s.retry, s.coll, "doctors.list", bson.D{})
}

func (s *MongoDoctors) SetPhoto(ctx context.Context, id, url string) error {
	return s.retry.Do(ctx, "doctors.setPhoto", func(ctx context.Context) error {
		res, err := s.coll.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: id}},
			bson.D{{Key: "$set", Value: bson.D{{Key: "photo_url", Value: url}}}})
		if err != nil {
			return errors.Wrap(err, "failed to update doctor photo")
		}
		if res.MatchedCount == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *MongoDoctors) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.retry.Do(ctx, "doctors.count", func(ctx context.Context) error {
		var err error
		n, err = s.coll.CountDocuments(ctx, bson.D{})
		return errors.Wrap(err, "failed to count doctors")
	})
	return n, err
}

// MongoCatalog stores prescriptions and treatments.
type MongoCatalog struct {
	prescriptions *mongo.Collection
	treatments    *mongo.Collection
	retry         *Retrier
}

func (s *MongoCatalog) InsertPrescription(ctx context.Context, p *models.Prescription) error {
	return s.retry.Do(ctx, "prescriptions.insert", func(ctx context.Context) error {
		_, err := s.prescriptions.InsertOne(ctx, p)
		return errors.Wrap(err, "failed to insert prescription")
	})
}

// Prescriptions lists prescriptions for patient, or all of them when
// patient is empty.
func (s *MongoCatalog) Prescriptions(ctx context.Context, patient string) ([]models.Prescription, error) {
	filter := bson.D{}
	if patient != "" {
		filter = bson.D{{Key: "patient_email", Value: patient}}
	}
	return findAll[models.Prescription](ctx, s.retry, s.prescriptions, "prescriptions.find", filter)
}

func (s *MongoCatalog) InsertTreatment(ctx context.Context, t *models.Treatment) error {
	return s.retry.Do(ctx, "treatments.insert", func(ctx context.Context) error {
		_, err := s.treatments.InsertOne(ctx, t)
		return errors.Wrap(err, "failed to insert treatment")
	})
}

func (s *MongoCatalog) Treatments(ctx context.Context) ([]models.Treatment, error) {
	return findAll[models.Treatment](ctx, s.retry, s.treatments, "treatments.list", bson.D{})
}

func findAll[T any](ctx context.Context, r *Retrier, coll *mongo.Collection, op string, filter bson.D) ([]T, error) {
	out := []T{}
	err := r.Do(ctx, op, func(ctx context.Context) error {
		cur, err := coll.Find(ctx, filter)
		if err != nil {
			return errors.Wrapf(err, "%s: query failed", op)
		}
		var items []T
		if err := cur.All(ctx, &items); err != nil {
			return errors.Wrapf(err, "%s: decode failed", op)
		}
		if items != nil {
			out = items
		}
		return nil
	})
	return out, err
}
