//go:build integration

package test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/locks"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/Yulian302/lfusys-services-recordings/media"
	"github.com/Yulian302/lfusys-services-recordings/metrics"
	"github.com/Yulian302/lfusys-services-recordings/models"
	"github.com/Yulian302/lfusys-services-recordings/queues"
	"github.com/Yulian302/lfusys-services-recordings/services"
	"github.com/Yulian302/lfusys-services-recordings/storage"
	"github.com/Yulian302/lfusys-services-recordings/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	awsEndpoint = "http://localhost:4566"
	bucketName  = "recordings"
	tableName   = "recording_sessions"
)

type TestEnv struct {
	S3       *s3.Client
	Dynamo   *dynamodb.Client
	Sqs      *sqs.Client
	QueueURL string
}

func setupTestEnv(t *testing.T) *TestEnv {
	ctx := context.Background()

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion("us-east-1"))
	require.NoError(t, err)

	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(awsEndpoint)
		o.UsePathStyle = true
	})
	db := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(awsEndpoint)
	})
	sqsClient := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(awsEndpoint)
	})

	_, err = s3Client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucketName)})
	var owned *s3types.BucketAlreadyOwnedByYou
	if err != nil && !errors.As(err, &owned) {
		require.NoError(t, err)
	}

	_, err = db.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		AttributeDefinitions: []types.AttributeDefinition{
			{
				AttributeName: aws.String("session_key"),
				AttributeType: types.ScalarAttributeTypeS,
			},
		},
		KeySchema: []types.KeySchemaElement{
			{
				AttributeName: aws.String("session_key"),
				KeyType:       types.KeyTypeHash,
			},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var exists *types.ResourceInUseException
	if err != nil && !errors.As(err, &exists) {
		require.NoError(t, err)
	}

	q, err := sqsClient.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String("recording-merges"),
	})
	require.NoError(t, err)

	return &TestEnv{
		S3:       s3Client,
		Dynamo:   db,
		Sqs:      sqsClient,
		QueueURL: *q.QueueUrl,
	}
}

func newPipeline(t *testing.T, env *TestEnv) (*services.PipelineServiceImpl, *store.S3ChunkStore) {
	t.Helper()
	logger := logging.NewNopLogger()

	chunks := store.NewS3ChunkStore(env.S3, bucketName, "staging/", logger)
	pipeline := services.NewPipelineServiceImpl(
		chunks,
		store.NewDynamoSessionStore(env.Dynamo, tableName),
		media.NewEngine(media.WAVMerger{}, media.FormatWAV, t.TempDir(), logger),
		media.NewVerifier(media.NewSniffingProber(nil), media.DefaultTolerance, 4, logger),
		storage.NewS3Publisher(env.S3, bucketName, 8<<20, logger),
		locks.NewMemoryLocker(),
		metrics.NewMetrics(prometheus.NewRegistry()),
		logger,
		services.PipelineConfig{
			KeyPrefix:      "recordings/",
			AccessURLTTL:   time.Hour,
			ProbeTimeout:   10 * time.Second,
			MergeTimeout:   10 * time.Second,
			PublishTimeout: 10 * time.Second,
		},
	)
	return pipeline, chunks
}

func wavChunk(t *testing.T, seconds float64) []byte {
	t.Helper()
	data, err := media.EncodeWAV(make([]int16, int(seconds*8000)), 8000)
	require.NoError(t, err)
	return data
}

func TestPipelineAgainstLocalStack(t *testing.T) {
	ctx := context.Background()
	env := setupTestEnv(t)
	pipeline, chunks := newPipeline(t, env)

	key := pipeline.NewSessionKey()
	for _, d := range []float64{2.0, 1.5, 2.5} {
		_, err := pipeline.AppendChunk(ctx, key, wavChunk(t, d), nil)
		require.NoError(t, err)
	}

	res, err := pipeline.Merge(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, res.DurationSeconds, 1.0)
	assert.Equal(t, "recordings/"+key+".wav", res.Object.Key)
	assert.NotEmpty(t, res.Grant.URL)

	_, err = chunks.List(ctx, key)
	assert.True(t, apperror.IsKind(err, apperror.KindSessionNotFound))

	status, err := pipeline.Status(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.StatePublished, status.State)

	outcome, err := pipeline.Remove(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.RemoveOutcomeRemoved, outcome)

	outcome, err = pipeline.Remove(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.RemoveOutcomeNotFound, outcome)
}

func TestMergeRequestFromQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	env := setupTestEnv(t)
	pipeline, _ := newPipeline(t, env)

	key := pipeline.NewSessionKey()
	_, err := pipeline.AppendChunk(ctx, key, wavChunk(t, 1.0), nil)
	require.NoError(t, err)

	receiver := queues.NewMergeRequestReceiverImpl(ctx, env.Sqs, pipeline, env.QueueURL, logging.NewNopLogger())
	receiver.Start()
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 25*time.Second)
		defer scancel()
		_ = receiver.Shutdown(sctx)
	})

	body, _ := json.Marshal(models.MergeRequestedEvent{SessionKey: key})
	_, err = env.Sqs.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(env.QueueURL),
		MessageBody: aws.String(string(body)),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := pipeline.Status(ctx, key)
		return err == nil && status.State == models.StatePublished
	}, 10*time.Second, 100*time.Millisecond)
}
