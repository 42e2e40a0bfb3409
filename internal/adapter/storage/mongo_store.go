package storage

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/port"
)

const stockCollection = "stock"

var (
	_ port.VersionedRecordStore = (*MongoStore)(nil)
	_ port.Seeder               = (*MongoStore)(nil)
)

// MongoStore keeps one document per record. Writes are single-document
// updates filtered on the expected version and auto-commit; it is not an
// ExclusiveReader.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type mongoRecord struct {
	ID       string `bson:"_id"`
	Quantity int64  `bson:"quantity"`
	Version  int64  `bson:"version"`
}

// NewMongoStore connects to uri and verifies the connection.
func NewMongoStore(ctx context.Context, uri, dbName string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoStore{
		client: client,
		coll:   client.Database(dbName).Collection(stockCollection),
	}, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) Seed(ctx context.Context, id string, quantity int64) error {
	// new documents start at version 0, existing ones are bumped
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "quantity", Value: quantity},
			{Key: "version", Value: bson.D{{Key: "$add", Value: bson.A{
				bson.D{{Key: "$ifNull", Value: bson.A{"$version", -1}}},
				1,
			}}}},
		}}},
	}

	_, err := s.coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}}, update, options.Update().SetUpsert(true))
	if err != nil {
		return mapMongoError(ctx, "seed stock", err)
	}
	return nil
}

func (s *MongoStore) Read(ctx context.Context, id string) (domain.StockRecord, error) {
	var doc mongoRecord
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.StockRecord{}, domain.ErrRecordNotFound
	}
	if err != nil {
		return domain.StockRecord{}, mapMongoError(ctx, "find stock", err)
	}
	return domain.StockRecord{ID: doc.ID, Quantity: doc.Quantity, Version: doc.Version}, nil
}

func (s *MongoStore) ReadWithVersion(ctx context.Context, id string) (domain.StockRecord, error) {
	return s.Read(ctx, id)
}

func (s *MongoStore) WriteIfVersionMatches(ctx context.Context, id string, quantity, expectedVersion int64) error {
	matched, err := s.update(ctx, bson.D{{Key: "_id", Value: id}, {Key: "version", Value: expectedVersion}}, quantity)
	if err != nil {
		return err
	}
	if !matched {
		return domain.ErrConcurrencyConflict
	}
	return nil
}

func (s *MongoStore) Write(ctx context.Context, id string, quantity int64) error {
	matched, err := s.update(ctx, bson.D{{Key: "_id", Value: id}}, quantity)
	if err != nil {
		return err
	}
	if !matched {
		return domain.ErrRecordNotFound
	}
	return nil
}

func (s *MongoStore) update(ctx context.Context, filter bson.D, quantity int64) (bool, error) {
	res, err := s.coll.UpdateOne(ctx, filter, bson.D{
		{Key: "$set", Value: bson.D{{Key: "quantity", Value: quantity}}},
		{Key: "$inc", Value: bson.D{{Key: "version", Value: int64(1)}}},
	})
	if err != nil {
		return false, mapMongoError(ctx, "update stock", err)
	}
	return res.MatchedCount > 0, nil
}

func mapMongoError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return domain.Cancelled(ctx.Err())
	}
	return fmt.Errorf("%s: %w", op, err)
}
