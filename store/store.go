// Package store holds the Mongo and Bolt persistence layers. Every call
// goes through a Retrier, so a caller sees either a result, a logical error
// (ErrNotFound, ErrConflict, ErrDuplicate) or ErrUnavailable.
package store

import (
	"context"
	"errors"

	"github.com/boltdb/bolt"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

var (
	// ErrUnavailable marks a store call that kept failing transiently
	// after all retries.
	ErrUnavailable = errors.New("store unavailable")
	ErrNotFound    = errors.New("not found")
	// ErrConflict means a conditional write found the record held by
	// somebody else.
	ErrConflict  = errors.New("conflicting write")
	ErrDuplicate = errors.New("duplicate key")
)

type txKey struct{}

func withBoltTx(ctx context.Context, tx *bolt.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func boltTxFrom(ctx context.Context) *bolt.Tx {
	tx, _ := ctx.Value(txKey{}).(*bolt.Tx)
	return tx
}

func inTransaction(ctx context.Context) bool {
	return boltTxFrom(ctx) != nil || mongo.SessionFromContext(ctx) != nil
}
