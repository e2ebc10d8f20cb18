// Package mongostore implements registry.Store on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/jpalmerr/pingstream/check"
	"github.com/jpalmerr/pingstream/internal/registry"
)

var _ registry.Store = (*Store)(nil)

// Defaults used when the database or collection name is empty.
const (
	DefaultDatabase   = "pingstream"
	DefaultCollection = "targets"
)

// targetDoc is the stored form of a target.
type targetDoc struct {
	ID        string    `bson:"_id"`
	URL       string    `bson:"url"`
	CreatedAt time.Time `bson:"created_at"`
}

// Store persists targets as documents keyed by target ID.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	log    *zap.Logger
}

// New connects to uri and prepares the collection. When unique is true a
// unique index on url is created.
func New(ctx context.Context, uri, database, collection string, unique bool, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if database == "" {
		database = DefaultDatabase
	}
	if collection == "" {
		collection = DefaultCollection
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	}
	if unique {
		indexes = append(indexes, mongo.IndexModel{
			Keys:    bson.D{{Key: "url", Value: 1}},
			Options: options.Index().SetUnique(true),
		})
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create indexes: %w", err)
	}

	log.Info("mongo_store_ready",
		zap.String("database", database),
		zap.String("collection", collection),
		zap.Bool("unique_urls", unique),
	)
	return &Store{client: client, coll: coll, log: log}, nil
}

// Save upserts target by ID.
func (s *Store) Save(ctx context.Context, t check.Target) error {
	doc := targetDoc{ID: string(t.ID), URL: t.URL, CreatedAt: t.CreatedAt.UTC()}
	_, err := s.coll.ReplaceOne(ctx,
		bson.M{"_id": doc.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", registry.ErrDuplicateTarget, t.URL)
		}
		return fmt.Errorf("upsert target: %w", err)
	}
	return nil
}

// LoadAll returns every stored target ordered by creation time.
func (s *Store) LoadAll(ctx context.Context) ([]check.Target, error) {
	cur, err := s.coll.Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("find targets: %w", err)
	}
	defer cur.Close(ctx)

	var docs []targetDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}

	out := make([]check.Target, 0, len(docs))
	for _, d := range docs {
		out = append(out, check.Target{
			ID:        check.TargetID(d.ID),
			URL:       d.URL,
			CreatedAt: d.CreatedAt.UTC(),
		})
	}
	return out, nil
}

// Delete removes the target with id.
func (s *Store) Delete(ctx context.Context, id check.TargetID) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", registry.ErrTargetNotFound, id)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil && !errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("mongo disconnect: %w", err)
	}
	return nil
}
