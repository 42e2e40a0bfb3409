package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/rl1809/stockguard/internal/core/domain"
)

func getMongoStore(t *testing.T) *MongoStore {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	s, err := NewMongoStore(ctx, uri, "stockguard_test")
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func setupMongoStore(t *testing.T, id string, quantity int64) *MongoStore {
	s := getMongoStore(t)

	ctx := context.Background()
	s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err := s.Seed(ctx, id, quantity); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	return s
}

func TestMongo_SeedAndRead(t *testing.T) {
	ctx := context.Background()
	s := setupMongoStore(t, "mongo-item", 10)

	rec, err := s.Read(ctx, "mongo-item")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if rec.Quantity != 10 || rec.Version != 0 {
		t.Errorf("expected 10@0, got %+v", rec)
	}

	if _, err := s.Read(ctx, "nonexistent-item"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got: %v", err)
	}
}

func TestMongo_WriteIfVersionMatches(t *testing.T) {
	ctx := context.Background()
	s := setupMongoStore(t, "mongo-cas-item", 10)

	if err := s.WriteIfVersionMatches(ctx, "mongo-cas-item", 9, 0); err != nil {
		t.Fatalf("CAS failed: %v", err)
	}
	if err := s.WriteIfVersionMatches(ctx, "mongo-cas-item", 8, 0); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Errorf("expected ErrConcurrencyConflict, got: %v", err)
	}
}

func TestMongo_ConcurrentCAS(t *testing.T) {
	ctx := context.Background()
	s := setupMongoStore(t, "mongo-concurrent", 20)

	var successCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.WriteIfVersionMatches(ctx, "mongo-concurrent", 19, 0); err == nil {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 CAS to win, got %d", successCount.Load())
	}
}
