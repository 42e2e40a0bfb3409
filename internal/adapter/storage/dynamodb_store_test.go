package storage

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/rl1809/stockguard/internal/core/domain"
)

// fakeDynamoDB understands the expressions DynamoDBStore issues.
type fakeDynamoDB struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
	err   error
}

func newFakeDynamoDB() *fakeDynamoDB {
	return &fakeDynamoDB{items: map[string]map[string]types.AttributeValue{}}
}

func (f *fakeDynamoDB) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return &dynamodb.GetItemOutput{Item: f.items[keyOf(in.Key)]}, nil
}

func (f *fakeDynamoDB) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	id := keyOf(in.Key)
	item, exists := f.items[id]
	cond := aws.ToString(in.ConditionExpression)
	values := in.ExpressionAttributeValues

	if strings.Contains(cond, "attribute_exists(#id)") && !exists {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	}
	if strings.Contains(cond, ":expected_version") && numberOf(item["version"]) != numberOf(values[":expected_version"]) {
		return nil, &types.ConditionalCheckFailedException{Message: aws.String("stale")}
	}

	version := numberOf(item["version"]) + 1
	if !exists {
		version = 0
	}

	f.items[id] = map[string]types.AttributeValue{
		"id":       &types.AttributeValueMemberS{Value: id},
		"quantity": values[":quantity"],
		"version":  numberValue(version),
	}
	return &dynamodb.UpdateItemOutput{}, nil
}

func keyOf(key map[string]types.AttributeValue) string {
	return key["id"].(*types.AttributeValueMemberS).Value
}

func numberOf(v types.AttributeValue) int64 {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	i, _ := strconv.ParseInt(n.Value, 10, 64)
	return i
}

func TestDynamoDBStore_SeedAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewDynamoDBStore(newFakeDynamoDB(), "stock")

	if err := s.Seed(ctx, "item", 10); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	rec, err := s.Read(ctx, "item")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if rec != (domain.StockRecord{ID: "item", Quantity: 10, Version: 0}) {
		t.Errorf("unexpected record %+v", rec)
	}

	s.Seed(ctx, "item", 3)
	rec, _ = s.Read(ctx, "item")
	if rec.Quantity != 3 || rec.Version != 1 {
		t.Errorf("expected 3@1 after reseed, got %+v", rec)
	}
}

func TestDynamoDBStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := NewDynamoDBStore(newFakeDynamoDB(), "stock")

	if _, err := s.Read(ctx, "missing"); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound, got: %v", err)
	}
	if err := s.Write(ctx, "missing", 1); !errors.Is(err, domain.ErrRecordNotFound) {
		t.Errorf("expected ErrRecordNotFound from Write, got: %v", err)
	}
	if err := s.WriteIfVersionMatches(ctx, "missing", 1, 0); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Errorf("expected ErrConcurrencyConflict from CAS, got: %v", err)
	}
}

func TestDynamoDBStore_WriteIfVersionMatches(t *testing.T) {
	ctx := context.Background()
	s := NewDynamoDBStore(newFakeDynamoDB(), "stock")
	s.Seed(ctx, "item", 10)

	if err := s.WriteIfVersionMatches(ctx, "item", 8, 0); err != nil {
		t.Fatalf("CAS failed: %v", err)
	}
	if err := s.WriteIfVersionMatches(ctx, "item", 6, 0); !errors.Is(err, domain.ErrConcurrencyConflict) {
		t.Errorf("expected ErrConcurrencyConflict, got: %v", err)
	}

	rec, _ := s.Read(ctx, "item")
	if rec.Quantity != 8 || rec.Version != 1 {
		t.Errorf("expected 8@1, got %+v", rec)
	}
}

func TestDynamoDBStore_ClientErrorCancelled(t *testing.T) {
	fake := newFakeDynamoDB()
	fake.err = errors.New("request canceled")
	s := NewDynamoDBStore(fake, "stock")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.Read(ctx, "item"); !errors.Is(err, domain.ErrCancelled) {
		t.Errorf("expected ErrCancelled, got: %v", err)
	}
}
