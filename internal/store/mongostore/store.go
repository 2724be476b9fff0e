// Package mongostore runs shape queries against MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/mohammed-shakir/mongo-shape-source/internal/core/model"
	"github.com/mohammed-shakir/mongo-shape-source/internal/core/observability"
)

type Option func(*options.ClientOptions)

func WithConnectTimeout(d time.Duration) Option {
	return func(o *options.ClientOptions) { o.SetConnectTimeout(d) }
}

func WithMaxPoolSize(n uint64) Option {
	return func(o *options.ClientOptions) { o.SetMaxPoolSize(n) }
}

func WithAppName(name string) Option {
	return func(o *options.ClientOptions) { o.SetAppName(name) }
}

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New connects and pings; it fails when the server is unreachable.
func New(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	if uri == "" {
		return nil, errors.New("mongodb uri is required")
	}
	if database == "" {
		return nil, errors.New("mongodb database is required")
	}

	co := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(5 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(64)
	for _, f := range opts {
		f(co)
	}

	client, err := mongo.Connect(ctx, co)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	s := &Store{client: client, db: client.Database(database)}
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.client.Ping(ctx, readpref.Primary())
	observability.ObserveStoreOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}
	return nil
}

// FindRecords decodes every document matching filter, restricted to fields.
func (s *Store) FindRecords(ctx context.Context, collection string, filter, fields bson.D) ([]model.Record, error) {
	start := time.Now()
	cur, err := s.db.Collection(collection).Find(ctx, filter, findOptions(fields))
	if err != nil {
		observability.ObserveStoreOp("find", err, time.Since(start).Seconds())
		return nil, fmt.Errorf("mongo find %s: %w", collection, err)
	}

	var out []model.Record
	err = cur.All(ctx, &out)
	observability.ObserveStoreOp("find", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("mongo cursor %s: %w", collection, err)
	}
	if out == nil {
		out = []model.Record{}
	}
	return out, nil
}

// Count returns the number of documents matching filter.
func (s *Store) Count(ctx context.Context, collection string, filter bson.D) (int64, error) {
	if filter == nil {
		filter = bson.D{}
	}
	start := time.Now()
	n, err := s.db.Collection(collection).CountDocuments(ctx, filter)
	observability.ObserveStoreOp("count", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("mongo count %s: %w", collection, err)
	}
	return n, nil
}

// InsertMany is used by the smoke tool to seed fixtures.
func (s *Store) InsertMany(ctx context.Context, collection string, docs []any) error {
	start := time.Now()
	_, err := s.db.Collection(collection).InsertMany(ctx, docs)
	observability.ObserveStoreOp("insert", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("mongo insert %s: %w", collection, err)
	}
	return nil
}

// EnsureGeoIndex creates a legacy 2d index on key, which $box queries use.
func (s *Store) EnsureGeoIndex(ctx context.Context, collection, key string) error {
	_, err := s.db.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: key, Value: "2d"}},
	})
	if err != nil {
		return fmt.Errorf("mongo index %s.%s: %w", collection, key, err)
	}
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("mongo disconnect: %w", err)
	}
	return nil
}

// Name implements health.Checker.
func (s *Store) Name() string { return "mongo" }

// Ready implements health.Checker.
func (s *Store) Ready(ctx context.Context) error { return s.Ping(ctx) }

func findOptions(fields bson.D) *options.FindOptions {
	fo := options.Find()
	if len(fields) > 0 {
		fo.SetProjection(fields)
	}
	return fo
}
