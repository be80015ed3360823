package mongo

import (
	"context"
	"errors"
	"fmt"

	"github.com/gamestats-mongo/internal/config"
	"github.com/gamestats-mongo/internal/domain"
	"github.com/gamestats-mongo/internal/store"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store provides MongoDB-backed document access
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger zerolog.Logger
}

// NewStore connects to MongoDB and pings it so startup fails fast when the
// database is unreachable.
func NewStore(ctx context.Context, cfg *config.StoreConfig, logger zerolog.Logger) (*Store, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetTimeout(cfg.OperationTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}

	s := &Store{
		client: client,
		db:     client.Database(cfg.Database),
		logger: logger.With().Str("component", "mongo").Logger(),
	}

	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return s, nil
}

// Collection returns a named collection
func (s *Store) Collection(name string) store.Collection {
	return &collection{coll: s.db.Collection(name)}
}

// Ping runs the admin ping command
func (s *Store) Ping(ctx context.Context) error {
	err := s.client.Database("admin").RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err()
	if err != nil {
		return fmt.Errorf("pinging mongodb: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// EnsureIndexes creates unique indexes on every subject key
func (s *Store) EnsureIndexes(ctx context.Context) error {
	indexes := map[string]bson.D{
		store.PlayersCollection: {{Key: "uuid", Value: 1}},
		store.PlayerStatsCollection: {
			{Key: "uuid", Value: 1},
			{Key: "namespace", Value: 1},
		},
		store.GlobalStatsCollection: {{Key: "namespace", Value: 1}},
	}

	for name, keys := range indexes {
		model := mongo.IndexModel{
			Keys:    keys,
			Options: options.Index().SetUnique(true),
		}
		if _, err := s.db.Collection(name).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("creating index on %s: %w", name, err)
		}
		s.logger.Debug().Str("collection", name).Msg("unique index ensured")
	}
	return nil
}

// Close disconnects the client
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type collection struct {
	coll *mongo.Collection
}

func (c *collection) FindOne(ctx context.Context, filter bson.D) (bson.Raw, error) {
	raw, err := c.coll.FindOne(ctx, filter).Raw()
	if err != nil {
		return nil, c.wrap("find one", err)
	}
	return raw, nil
}

func (c *collection) Find(ctx context.Context, filter bson.D) ([]bson.Raw, error) {
	cursor, err := c.coll.Find(ctx, filter)
	if err != nil {
		return nil, c.wrap("find", err)
	}
	defer cursor.Close(ctx)

	var docs []bson.Raw
	for cursor.Next(ctx) {
		doc := make(bson.Raw, len(cursor.Current))
		copy(doc, cursor.Current)
		docs = append(docs, doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, c.wrap("find", err)
	}
	return docs, nil
}

func (c *collection) InsertOne(ctx context.Context, document any) (any, error) {
	res, err := c.coll.InsertOne(ctx, document)
	if err != nil {
		return nil, c.wrap("insert", err)
	}
	return res.InsertedID, nil
}

func (c *collection) UpdateOne(ctx context.Context, filter bson.D, update bson.D) error {
	res, err := c.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return c.wrap("update", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("update %s: %w", c.coll.Name(), store.ErrNoDocuments)
	}
	return nil
}

func (c *collection) DeleteOne(ctx context.Context, filter bson.D) error {
	res, err := c.coll.DeleteOne(ctx, filter)
	if err != nil {
		return c.wrap("delete", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("delete %s: %w", c.coll.Name(), store.ErrNoDocuments)
	}
	return nil
}

// wrap maps driver errors onto the store contract
func (c *collection) wrap(op string, err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%s %s: %w", op, c.coll.Name(), store.ErrNoDocuments)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%s %s: %w", op, c.coll.Name(), store.ErrDuplicateKey)
	default:
		var writeErr mongo.WriteException
		if errors.As(err, &writeErr) {
			return fmt.Errorf("%s %s: %w", op, c.coll.Name(), err)
		}
		return fmt.Errorf("%s %s: %w: %w", op, c.coll.Name(), domain.ErrStoreUnavailable, err)
	}
}
