package store

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/savvycare/backend/models"
)

type MongoUsers struct {
	coll  *mongo.Collection
	retry *Retrier
}

// Insert adds u unless the email is already registered, in which case it
// returns ErrDuplicate.
func (s *MongoUsers) Insert(ctx context.Context, u *models.User) error {
	return s.retry.Do(ctx, "users.insert", func(ctx context.Context) error {
		_, err := s.coll.InsertOne(ctx, u)
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return errors.Wrap(err, "failed to insert user")
	})
}

func (s *MongoUsers) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := s.retry.Do(ctx, "users.findByEmail", func(ctx context.Context) error {
		err := s.coll.FindOne(ctx, bson.D{{Key: "email", Value: email}}).Decode(&u)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrNotFound
		}
		return errors.Wrap(err, "failed to load user")
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *MongoUsers) List(ctx context.Context) ([]models.User, error) {
	out := []models.User{}
	err := s.retry.Do(ctx, "users.list", func(ctx context.Context) error {
		cur, err := s.coll.Find(ctx, bson.D{}, newestFirst())
		if err != nil {
			return errors.Wrap(err, "failed to query users")
		}
		var items []models.User
		if err := cur.All(ctx, &items); err != nil {
			return errors.Wrap(err, "failed to decode users")
		}
		if items != nil {
			out = items
		}
		return nil
	})
	return out, err
}

func (s *MongoUsers) SetRole(ctx context.Context, id string, role models.Role) error {
	return s.retry.Do(ctx, "users.setRole", func(ctx context.Context) error {
		res, err := s.coll.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: id}},
			bson.D{{Key: "$set", Value: bson.D{{Key: "role", Value: role}}}})
		if err != nil {
			return errors.Wrap(err, "failed to update role")
		}
		if res.MatchedCount == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *MongoUsers) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.retry.Do(ctx, "users.count", func(ctx context.Context) error {
		var err error
		n, err = s.coll.CountDocuments(ctx, bson.D{})
		return errors.Wrap(err, "failed to count users")
	})
	return n, err
}
