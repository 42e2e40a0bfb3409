package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/port"
)

var (
	_ port.VersionedRecordStore = (*DynamoDBStore)(nil)
	_ port.Seeder               = (*DynamoDBStore)(nil)
)

// DynamoDBAPI is the subset of *dynamodb.Client used by DynamoDBStore.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoDBStore keeps one item per record in a table keyed by "id".
//
// Every write is a single conditional UpdateItem and auto-commits. DynamoDB
// has no lock that can span a read and a later write, so the store is not an
// ExclusiveReader.
type DynamoDBStore struct {
	client DynamoDBAPI
	table  string
}

type dynamoRecord struct {
	ID       string `dynamodbav:"id"`
	Quantity int64  `dynamodbav:"quantity"`
	Version  int64  `dynamodbav:"version"`
}

func NewDynamoDBStore(client DynamoDBAPI, table string) *DynamoDBStore {
	return &DynamoDBStore{client: client, table: table}
}

func (s *DynamoDBStore) Seed(ctx context.Context, id string, quantity int64) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              s.key(id),
		UpdateExpression: aws.String("SET #quantity = :quantity, #version = if_not_exists(#version, :minus_one) + :one"),
		ExpressionAttributeNames: map[string]string{
			"#quantity": "quantity",
			"#version":  "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":quantity":  numberValue(quantity),
			":minus_one": numberValue(-1),
			":one":       numberValue(1),
		},
	})
	if err != nil {
		return mapDynamoError(ctx, "seed stock", err)
	}
	return nil
}

func (s *DynamoDBStore) Read(ctx context.Context, id string) (domain.StockRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.StockRecord{}, mapDynamoError(ctx, "get stock", err)
	}
	if len(out.Item) == 0 {
		return domain.StockRecord{}, domain.ErrRecordNotFound
	}

	var rec dynamoRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return domain.StockRecord{}, fmt.Errorf("unmarshal stock %s: %w", id, err)
	}
	return domain.StockRecord{ID: rec.ID, Quantity: rec.Quantity, Version: rec.Version}, nil
}

func (s *DynamoDBStore) ReadWithVersion(ctx context.Context, id string) (domain.StockRecord, error) {
	return s.Read(ctx, id)
}

func (s *DynamoDBStore) WriteIfVersionMatches(ctx context.Context, id string, quantity, expectedVersion int64) error {
	err := s.update(ctx, id, quantity, "attribute_exists(#id) AND #version = :expected_version", map[string]types.AttributeValue{
		":expected_version": numberValue(expectedVersion),
	})
	if errors.Is(err, errConditionFailed) {
		return domain.ErrConcurrencyConflict
	}
	return err
}

func (s *DynamoDBStore) Write(ctx context.Context, id string, quantity int64) error {
	err := s.update(ctx, id, quantity, "attribute_exists(#id)", nil)
	if errors.Is(err, errConditionFailed) {
		return domain.ErrRecordNotFound
	}
	return err
}

var errConditionFailed = errors.New("condition failed")

func (s *DynamoDBStore) update(ctx context.Context, id string, quantity int64, condition string, values map[string]types.AttributeValue) error {
	exprValues := map[string]types.AttributeValue{
		":quantity": numberValue(quantity),
		":one":      numberValue(1),
	}
	for k, v := range values {
		exprValues[k] = v
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.table),
		Key:                 s.key(id),
		UpdateExpression:    aws.String("SET #quantity = :quantity, #version = #version + :one"),
		ConditionExpression: aws.String(condition),
		ExpressionAttributeNames: map[string]string{
			"#id":       "id",
			"#quantity": "quantity",
			"#version":  "version",
		},
		ExpressionAttributeValues: exprValues,
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return errConditionFailed
		}
		return mapDynamoError(ctx, "update stock", err)
	}
	return nil
}

func (s *DynamoDBStore) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func numberValue(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func mapDynamoError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return domain.Cancelled(ctx.Err())
	}
	return fmt.Errorf("%s: %w", op, err)
}
