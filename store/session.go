package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/models"
	"github.com/Yulian302/lfusys-services-recordings/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoSessionStore keeps session records in a DynamoDB table keyed by
// session_key.
type DynamoSessionStore struct {
	client    *dynamodb.Client
	tableName string
}

func NewDynamoSessionStore(client *dynamodb.Client, tableName string) *DynamoSessionStore {
	return &DynamoSessionStore{
		client:    client,
		tableName: tableName,
	}
}

func (s *DynamoSessionStore) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(s.tableName),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoSessionStore) Name() string {
	return "SessionStore[" + s.tableName + "]"
}

func sessionKeyAttr(sessionKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"session_key": &types.AttributeValueMemberS{Value: sessionKey},
	}
}

func unixAttr(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.Unix(), 10)}
}

func (s *DynamoSessionStore) Get(ctx context.Context, sessionKey string) (*models.Session, error) {
	var session models.Session

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName:      aws.String(s.tableName),
				Key:            sessionKeyAttr(sessionKey),
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}
			if out.Item == nil {
				return apperror.SessionNotFound(sessionKey)
			}
			return attributevalue.UnmarshalMap(out.Item, &session)
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *DynamoSessionStore) Touch(ctx context.Context, sessionKey string, now time.Time) (*models.Session, error) {
	var session models.Session

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName:        aws.String(s.tableName),
				Key:              sessionKeyAttr(sessionKey),
				UpdateExpression: aws.String("SET updated_at = :now, created_at = if_not_exists(created_at, :now), #st = if_not_exists(#st, :collecting)"),
				ExpressionAttributeNames: map[string]string{
					"#st": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":now":        unixAttr(now),
					":collecting": &types.AttributeValueMemberS{Value: string(models.StateCollecting)},
				},
				ReturnValues: types.ReturnValueAllNew,
			})
			if err != nil {
				return err
			}
			return attributevalue.UnmarshalMap(out.Attributes, &session)
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to touch session: %w", err)
	}
	return &session, nil
}

func (s *DynamoSessionStore) Put(ctx context.Context, session models.Session) error {
	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return err
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName: aws.String(s.tableName),
				Item:      item,
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoSessionStore) Delete(ctx context.Context, sessionKey string) error {
	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.tableName),
				Key:       sessionKeyAttr(sessionKey),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoSessionStore) ListStale(ctx context.Context, before time.Time) ([]models.Session, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("updated_at < :before AND NOT (#status = :published AND staging_purged = :purged)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":before":    unixAttr(before),
			":published": &types.AttributeValueMemberS{Value: string(models.StatePublished)},
			":purged":    &types.AttributeValueMemberBOOL{Value: true},
		},
	})

	var sessions []models.Session
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sessions: %w", err)
		}
		var batch []models.Session
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("failed to decode sessions: %w", err)
		}
		sessions = append(sessions, batch...)
	}
	return sessions, nil
}
