package persistence

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoDocument is the stored shape of one document.
type mongoDocument struct {
	Key       string    `bson:"_id"`
	Body      []byte    `bson:"body"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoOptions configures the Mongo backend.
type MongoOptions struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

// ConnectMongo opens a client and verifies connectivity.
func ConnectMongo(ctx context.Context, opts MongoOptions) (*mongo.Client, error) {
	clientOpts := options.Client().ApplyURI(opts.URI)
	if opts.Timeout > 0 {
		clientOpts.SetTimeout(opts.Timeout)
	}
	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

// MongoStore is a MongoDB-backed DocumentStore.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore uses database/collection on client.
func NewMongoStore(client *mongo.Client, database, collection string) *MongoStore {
	return &MongoStore{client: client, coll: client.Database(database).Collection(collection)}
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping pings the primary.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Get finds the document by _id.
func (s *MongoStore) Get(ctx context.Context, key string) ([]byte, error) {
	var doc mongoDocument
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.Body, nil
}

// Put replaces the document, inserting it when absent.
func (s *MongoStore) Put(ctx context.Context, key string, data []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	doc := mongoDocument{Key: key, Body: data, UpdatedAt: time.Now().UTC()}
	_, err := s.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: key}}, doc, options.Replace().SetUpsert(true))
	return err
}

// Delete removes the document.
func (s *MongoStore) Delete(ctx context.Context, key string) error {
	_, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}})
	return err
}

// List returns _id values with the given prefix.
func (s *MongoStore) List(ctx context.Context, prefix string) ([]string, error) {
	filter := bson.D{{Key: "_id", Value: bson.D{{Key: "$regex", Value: "^" + regexp.QuoteMeta(prefix)}}}}
	cur, err := s.coll.Find(ctx, filter, options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []mongoDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(docs))
	for _, d := range docs {
		keys = append(keys, d.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// =============================================================================
// 🔒 MongoLocker
// =============================================================================

// MongoLocker implements Locker with a conditional upsert: a live lease held by
// someone else makes the upsert collide on _id, which reports ErrLocked.
type MongoLocker struct {
	coll *mongo.Collection
	now  func() time.Time
}

// NewMongoLocker uses database/collection on client.
func NewMongoLocker(client *mongo.Client, database, collection string) *MongoLocker {
	return &MongoLocker{
		coll: client.Database(database).Collection(collection),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Acquire takes the lease when it is absent, expired or already ours.
func (l *MongoLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	now := l.now()
	filter := bson.D{
		{Key: "_id", Value: key},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "owner", Value: owner}},
			bson.D{{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: now}}}},
		}},
	}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "owner", Value: owner},
		{Key: "expires_at", Value: now.Add(ttl)},
	}}}
	_, err := l.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return ErrLocked
	}
	return err
}

// Refresh extends an owned lease.
func (l *MongoLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) error {
	res, err := l.coll.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: key}, {Key: "owner", Value: owner}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "expires_at", Value: l.now().Add(ttl)}}}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrLockLost
	}
	return nil
}

// Release deletes an owned lease.
func (l *MongoLocker) Release(ctx context.Context, key, owner string) error {
	_, err := l.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}, {Key: "owner", Value: owner}})
	return err
}
