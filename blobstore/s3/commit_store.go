package s3

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/cprkv/blobstore"
)

// DDBClient is the subset of the DynamoDB API used by CommitStore.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// CommitStore implements blobstore.PointerStore on DynamoDB.
type CommitStore struct {
	client  DDBClient
	table   string
	baseURI string
}

var _ blobstore.PointerStore = (*CommitStore)(nil)

// NewCommitStore creates a pointer store. baseURI scopes the pointers, so
// several stores can share one table.
func NewCommitStore(client DDBClient, table, baseURI string) *CommitStore {
	return &CommitStore{client: client, table: table, baseURI: baseURI}
}

func (s *CommitStore) partition(name string) string {
	return s.baseURI + "#" + name
}

// LoadPointer returns the item with the highest version.
func (s *CommitStore) LoadPointer(ctx context.Context, name string) (uint64, string, error) {
	resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: s.partition(name)},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return 0, "", fmt.Errorf("s3: query commit pointer: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", blobstore.ErrNotFound
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("s3: invalid version attribute in commit pointer")
	}
	valueAttr, ok := item["value"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("s3: invalid value attribute in commit pointer")
	}

	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("s3: parse commit pointer version: %w", err)
	}
	return version, valueAttr.Value, nil
}

// SwapPointer inserts version expect+1. The conditional put fails if another
// writer already inserted that version.
func (s *CommitStore) SwapPointer(ctx context.Context, name string, expect uint64, value string) (uint64, error) {
	current, _, err := s.LoadPointer(ctx, name)
	if err != nil && !errors.Is(err, blobstore.ErrNotFound) {
		return 0, err
	}
	if current != expect {
		return current, blobstore.ErrConflict
	}

	next := expect + 1
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: s.partition(name)},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(next, 10)},
			"value":    &types.AttributeValueMemberS{Value: value},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return expect, blobstore.ErrConflict
		}
		return expect, fmt.Errorf("s3: commit pointer: %w", err)
	}
	return next, nil
}
