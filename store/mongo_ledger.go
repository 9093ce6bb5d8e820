package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/savvycare/backend/models"
)

// MongoLedger stores payments.
type MongoLedger struct {
	coll  *mongo.Collection
	retry *Retrier
}

// Insert writes p once. A duplicate id returns ErrDuplicate, which a
// caller retrying its own insert can treat as success.
func (s *MongoLedger) Insert(ctx context.Context, p *models.Payment) error {
	return s.retry.Do(ctx, "payments.insert", func(ctx context.Context) error {
		_, err := s.coll.InsertOne(ctx, p)
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "failed to insert payment")
	})
}

func (s *MongoLedger) Get(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	err := s.retry.Do(ctx, "payments.get", func(ctx context.Context) error {
		err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&p)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrNotFound
		}
		return errors.Wrap(err, "failed to load payment")
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *MongoLedger) FindByOwner(ctx context.Context, owner string) ([]models.Payment, error) {
	return s.find(ctx, "payments.findByOwner", bson.D{{Key: "email", Value: owner}})
}

// FindPending returns the owner's payments awaiting reconciliation.
func (s *MongoLedger) FindPending(ctx context.Context, owner string) ([]models.Payment, error) {
	return s.find(ctx, "payments.findPending", bson.D{
		{Key: "email", Value: owner},
		{Key: "status", Value: models.PaymentPending},
	})
}

// ListPending returns pending payments of any owner created before t.
func (s *MongoLedger) ListPending(ctx context.Context, before time.Time) ([]models.Payment, error) {
	return s.find(ctx, "payments.listPending", bson.D{
		{Key: "status", Value: models.PaymentPending},
		{Key: "created_at", Value: bson.D{{Key: "$lt", Value: before}}},
	})
}

func (s *MongoLedger) find(ctx context.Context, op string, filter bson.D) ([]models.Payment, error) {
	out := []models.Payment{}
	err := s.retry.Do(ctx, op, func(ctx context.Context) error {
		cur, err := s.coll.Find(ctx, filter, newestFirst())
		if err != nil {
			return errors.Wrap(err, "failed to query payments")
		}
		var items []models.Payment
		if err := cur.All(ctx, &items); err != nil {
			return errors.Wrap(err, "failed to decode payments")
		}
		if items != nil {
			out = items
		}
		return nil
	})
	return out, err
}

func (s *MongoLedger) UpdateStatus(ctx context.Context, id string, status models.PaymentStatus, at time.Time) error {
	set := bson.D{{Key: "status", Value: status}}
	if status == models.PaymentCommitted {
		set = append(set, bson.E{Key: "committed_at", Value: at})
	}
	return s.retry.Do(ctx, "payments.updateStatus", func(ctx context.Context) error {
		res, err := s.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, bson.D{{Key: "$set", Value: set}})
		if err != nil {
			return errors.Wrap(err, "failed to update payment")
		}
		if res.MatchedCount == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Revenue sums the amount of committed payments.
func (s *MongoLedger) Revenue(ctx context.Context) (int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "status", Value: models.PaymentCommitted}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: "$amount"}}},
		}}},
	}

	var total int64
	err := s.retry.Do(ctx, "payments.revenue", func(ctx context.Context) error {
		cur, err := s.coll.Aggregate(ctx, pipeline)
		if err != nil {
			return errors.Wrap(err, "failed to aggregate revenue")
		}
		var rows []struct {
			Total int64 `bson:"total"`
		}
		if err := cur.All(ctx, &rows); err != nil {
			return errors.Wrap(err, "failed to decode revenue")
		}
		total = 0
		if len(rows) > 0 {
			total = rows[0].Total
		}
		return nil
	})
	return total, err
}
