package callback

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/sirosfoundation/go-vc-request-backend/internal/domain"
)

// MongoStore keeps records in a MongoDB collection with a TTL index on
// expires_at. The TTL monitor only runs about once a minute, so expiry is
// also enforced in every query.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// MongoStoreConfig configures a MongoDB callback store.
type MongoStoreConfig struct {
	URI        string
	Database   string
	Collection string
	Timeout    time.Duration
}

type mongoRecord struct {
	State     string    `bson:"_id"`
	Kind      string    `bson:"kind"`
	Status    string    `bson:"status"`
	Payload   []byte    `bson:"payload,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

func toMongo(r *Record) *mongoRecord {
	return &mongoRecord{
		State:     r.State,
		Kind:      string(r.Kind),
		Status:    string(r.Status),
		Payload:   r.Payload,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

func (m *mongoRecord) toRecord() *Record {
	return &Record{
		State:     m.State,
		Kind:      domain.RequestKind(m.Kind),
		Status:    domain.RequestStatus(m.Status),
		Payload:   m.Payload,
		CreatedAt: m.CreatedAt,
		ExpiresAt: m.ExpiresAt,
	}
}

// NewMongoStore connects to MongoDB and ensures the TTL index exists.
func NewMongoStore(ctx context.Context, cfg *MongoStoreConfig, logger *zap.Logger) (*MongoStore, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(timeout)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	collection := client.Database(cfg.Database).Collection(cfg.Collection)

	_, err = collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create callback state indexes: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: collection,
		logger:     logger.Named("mongodb_store"),
	}, nil
}

func (s *MongoStore) Put(ctx context.Context, record *Record, ttl time.Duration) error {
	stamp(record, time.Now(), ttl)

	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": record.State},
		toMongo(record),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to store callback state: %w", err)
	}
	return nil
}

func (s *MongoStore) Update(ctx context.Context, record *Record, ttl time.Duration) error {
	now := time.Now()
	stamp(record, now, ttl)

	res, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": record.State, "expires_at": bson.M{"$gt": now}},
		toMongo(record),
	)
	if err != nil {
		return fmt.Errorf("failed to update callback state: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, state string) (*Record, error) {
	var doc mongoRecord
	err := s.collection.FindOne(ctx, bson.M{
		"_id":        state,
		"expires_at": bson.M{"$gt": time.Now()},
	}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get callback state: %w", err)
	}
	return doc.toRecord(), nil
}

func (s *MongoStore) Remove(ctx context.Context, state string) error {
	_, err := s.collection.DeleteOne(ctx, bson.M{"_id": state})
	if err != nil {
		return fmt.Errorf("failed to delete callback state: %w", err)
	}
	return nil
}

func (s *MongoStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.collection.DeleteMany(ctx, bson.M{
		"expires_at": bson.M{"$lt": time.Now()},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired callback states: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	return s.client.Disconnect(context.Background())
}
