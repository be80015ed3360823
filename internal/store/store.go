// Package store defines the document database contract the stats engine
// runs against, and the BSON layout of the documents it keeps there.
package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
)

// Collection names
const (
	PlayersCollection     = "players"
	PlayerStatsCollection = "player-stats"
	GlobalStatsCollection = "global-stats"
	QuarantineCollection  = "corrupt_stats"
)

var (
	// ErrNoDocuments is returned when a lookup or update matches nothing
	ErrNoDocuments = errors.New("store: no documents")
	// ErrDuplicateKey is returned when an insert violates a unique index
	ErrDuplicateKey = errors.New("store: duplicate key")
)

// Collection is the subset of document collection operations the engine uses.
// Filters are equality matches on top-level fields.
type Collection interface {
	// FindOne returns the first matching document, or ErrNoDocuments.
	FindOne(ctx context.Context, filter bson.D) (bson.Raw, error)
	// Find returns every matching document.
	Find(ctx context.Context, filter bson.D) ([]bson.Raw, error)
	// InsertOne inserts a document and returns its assigned _id.
	InsertOne(ctx context.Context, document any) (any, error)
	// UpdateOne applies an update document ($inc / $set) to the first match,
	// or returns ErrNoDocuments.
	UpdateOne(ctx context.Context, filter bson.D, update bson.D) error
	// DeleteOne removes the first match, or returns ErrNoDocuments.
	DeleteOne(ctx context.Context, filter bson.D) error
}

// Database hands out collections and reports connectivity
type Database interface {
	Collection(name string) Collection
	// EnsureIndexes creates the unique indexes on subject keys.
	EnsureIndexes(ctx context.Context) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
