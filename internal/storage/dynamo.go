package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/starford/dyad/internal/apperr"
	"github.com/starford/dyad/internal/checksum"
)

// DynamoAPI is the subset of the DynamoDB client used by Dynamo.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Dynamo implements Backend on DynamoDB with one table per namespace
// ("{prefix}{namespace}") keyed by the string attribute "pk".
type Dynamo struct {
	client      DynamoAPI
	tablePrefix string
}

type dynamoItem struct {
	PK        string `dynamodbav:"pk"`
	Value     string `dynamodbav:"value"`
	Version   int64  `dynamodbav:"version"`
	UpdatedAt string `dynamodbav:"updated_at"`
}

// NewDynamo creates a DynamoDB backend.
func NewDynamo(client DynamoAPI, tablePrefix string) *Dynamo {
	return &Dynamo{client: client, tablePrefix: tablePrefix}
}

// TableName returns the DynamoDB table that holds namespace.
func (d *Dynamo) TableName(namespace string) string {
	return d.tablePrefix + namespace
}

// Namespace is the inverse of TableName; ok is false for foreign tables.
func (d *Dynamo) Namespace(table string) (string, bool) {
	if len(table) <= len(d.tablePrefix) || table[:len(d.tablePrefix)] != d.tablePrefix {
		return "", false
	}
	return table[len(d.tablePrefix):], true
}

func pkOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"pk": &types.AttributeValueMemberS{Value: key}}
}

// Get reads key with a consistent read.
func (d *Dynamo) Get(ctx context.Context, namespace, key string) (*Item, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.TableName(namespace)),
		Key:            pkOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: dynamodb get %s: %w", key, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("storage: dynamodb get %s: %w", key, apperr.ErrNotFound)
	}
	var it dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, fmt.Errorf("storage: dynamodb decode %s: %w", key, err)
	}
	return &Item{Key: it.PK, Value: []byte(it.Value), Version: it.Version}, nil
}

// Put upserts key, incrementing its version atomically.
func (d *Dynamo) Put(ctx context.Context, namespace, key string, value []byte, expected int64) (int64, error) {
	input := &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.TableName(namespace)),
		Key:              pkOf(key),
		UpdateExpression: aws.String("SET #value = :value, #updated_at = :now ADD #version :one"),
		ExpressionAttributeNames: map[string]string{
			"#value":      "value",
			"#updated_at": "updated_at",
			"#version":    "version",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":value": &types.AttributeValueMemberS{Value: string(value)},
			":now":   &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
			":one":   &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	}
	switch {
	case expected == 0:
		input.ConditionExpression = aws.String("attribute_not_exists(pk)")
	case expected > 0:
		input.ConditionExpression = aws.String("#version = :expected")
		input.ExpressionAttributeValues[":expected"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)}
	}

	out, err := d.client.UpdateItem(ctx, input)
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return 0, fmt.Errorf("storage: dynamodb put %s expected version %d: %w", key, expected, apperr.ErrConflict)
		}
		return 0, fmt.Errorf("storage: dynamodb put %s: %w", key, err)
	}

	var version int64
	if attr, ok := out.Attributes["version"]; ok {
		if err := attributevalue.Unmarshal(attr, &version); err != nil {
			return 0, fmt.Errorf("storage: dynamodb decode version %s: %w", key, err)
		}
	}
	return version, nil
}

// Delete removes key; a missing key is reported as apperr.ErrNotFound.
func (d *Dynamo) Delete(ctx context.Context, namespace, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(d.TableName(namespace)),
		Key:                 pkOf(key),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("storage: dynamodb delete %s: %w", key, apperr.ErrNotFound)
		}
		return fmt.Errorf("storage: dynamodb delete %s: %w", key, err)
	}
	return nil
}

// List scans the namespace table for keys starting with prefix.
func (d *Dynamo) List(ctx context.Context, namespace, prefix string) ([]Meta, error) {
	input := &dynamodb.ScanInput{
		TableName:      aws.String(d.TableName(namespace)),
		ConsistentRead: aws.Bool(true),
	}
	if prefix != "" {
		input.FilterExpression = aws.String("begins_with(pk, :prefix)")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		}
	}

	var out []Meta
	paginator := dynamodb.NewScanPaginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: dynamodb scan %s: %w", namespace, err)
		}
		var items []dynamoItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("storage: dynamodb decode scan %s: %w", namespace, err)
		}
		for _, it := range items {
			updated, _ := time.Parse(time.RFC3339Nano, it.UpdatedAt)
			out = append(out, Meta{Key: it.PK, Checksum: checksum.Sum([]byte(it.Value)), UpdatedAt: updated})
		}
	}
	return out, nil
}
