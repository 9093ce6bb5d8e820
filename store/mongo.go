package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"
)

const (
	usersCollection         = "users"
	doctorsCollection       = "doctors"
	prescriptionsCollection = "prescriptions"
	treatmentsCollection    = "treatments"
	appointmentsCollection  = "appointments"
	paymentsCollection      = "payments"
)

// Mongo owns the client and hands out the per-collection stores.
type Mongo struct {
	client       *mongo.Client
	db           *mongo.Database
	retry        *Retrier
	logger       *zap.Logger
	transactions bool
}

type MongoOptions struct {
	URI      string
	Database string
	// Transactions enables multi-document transactions. Requires a
	// replica set or sharded cluster.
	Transactions bool
	Retry        RetryConfig
}

// NewMongo connects and pings, retrying the initial connection a few
// times before giving up.
func NewMongo(ctx context.Context, opts MongoOptions, logger *zap.Logger) (*Mongo, error) {
	var (
		client *mongo.Client
		err    error
	)
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		client, err = mongo.Connect(options.Client().
			ApplyURI(opts.URI).
			SetServerSelectionTimeout(5 * time.Second))
		if err == nil {
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = client.Ping(pctx, readpref.Primary())
			cancel()
			if err == nil {
				break
			}
			_ = client.Disconnect(ctx)
		}
		logger.Warn("failed to connect to mongodb, retrying...",
			zap.Error(err),
			zap.Int("attempt", i+1))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb connection failed after %d attempts: %v", maxRetries, err)
	}

	return &Mongo{
		client:       client,
		db:           client.Database(opts.Database),
		retry:        NewRetrier(opts.Retry, logger),
		logger:       logger,
		transactions: opts.Transactions,
	}, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Transactional reports whether WithTransaction is backed by a real
// multi-document transaction.
func (m *Mongo) Transactional() bool { return m.transactions }

// EnsureIndexes creates the indexes the stores rely on.
func (m *Mongo) EnsureIndexes(ctx context.Context) error {
	indexes := []struct {
		coll  string
		model mongo.IndexModel
	}{
		{usersCollection, mongo.IndexModel{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{appointmentsCollection, mongo.IndexModel{
			Keys: bson.D{{Key: "email", Value: 1}, {Key: "status", Value: 1}},
		}},
		{appointmentsCollection, mongo.IndexModel{
			Keys: bson.D{{Key: "settlement_id", Value: 1}},
		}},
		{paymentsCollection, mongo.IndexModel{
			Keys: bson.D{{Key: "email", Value: 1}, {Key: "status", Value: 1}},
		}},
	}
	for _, ix := range indexes {
		if _, err := m.db.Collection(ix.coll).Indexes().CreateOne(ctx, ix.model); err != nil {
			return errors.Wrapf(err, "failed to create index on %s", ix.coll)
		}
	}
	return nil
}

// WithTransaction runs fn inside a session transaction. The driver retries
// the unit on transient transaction errors; calls made by fn get a single
// attempt each.
func (m *Mongo) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !m.transactions {
		return errors.New("mongodb transactions are disabled")
	}
	sess, err := m.client.StartSession()
	if err != nil {
		return m.retry.Once(ctx, "start session", func(context.Context) error { return err })
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	return m.retry.Once(ctx, "transaction", func(ctx context.Context) error {
		_, err := sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
			return nil, fn(ctx)
		})
		return err
	})
}

func (m *Mongo) Bookings() *MongoBookings {
	return &MongoBookings{coll: m.db.Collection(appointmentsCollection), retry: m.retry}
}

func (m *Mongo) Ledger() *MongoLedger {
	return &MongoLedger{coll: m.db.Collection(paymentsCollection), retry: m.retry}
}

func (m *Mongo) Users() *MongoUsers {
	return &MongoUsers{coll: m.db.Collection(usersCollection), retry: m.retry}
}

func (m *Mongo) Doctors() *MongoDoctors {
	return &MongoDoctors{coll: m.db.Collection(doctorsCollection), retry: m.retry}
}

func (m *Mongo) Catalog() *MongoCatalog {
	return &MongoCatalog{
		prescriptions: m.db.Collection(prescriptionsCollection),
		treatments:    m.db.Collection(treatmentsCollection),
		retry:         m.retry,
	}
}

func newestFirst() *options.FindOptionsBuilder {
	return options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
}
