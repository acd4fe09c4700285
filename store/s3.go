package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/Yulian302/lfusys-services-recordings/models"
	"github.com/Yulian302/lfusys-services-recordings/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3ChunkStore stages chunks as {prefix}{sessionKey}/chunk_NNNNNN objects
// in a staging bucket, so several service instances can share staging.
type S3ChunkStore struct {
	client     *s3.Client
	bucketName string
	prefix     string
	slots      *slotTable

	logger logging.Logger
}

func NewS3ChunkStore(client *s3.Client, bucketName, prefix string, l logging.Logger) *S3ChunkStore {
	return &S3ChunkStore{
		client:     client,
		bucketName: bucketName,
		prefix:     prefix,
		slots:      newSlotTable(),
		logger:     l,
	}
}

func (s *S3ChunkStore) sessionPrefix(sessionKey string) string {
	return s.prefix + sessionKey + "/"
}

func (s *S3ChunkStore) Append(ctx context.Context, sessionKey string, payload []byte, index *int) (models.ChunkRef, error) {
	if err := models.ValidateSessionKey(sessionKey); err != nil {
		return models.ChunkRef{}, err
	}

	var key string
	idx, err := s.slots.assign(ctx, sessionKey, index,
		func(ctx context.Context) (int, error) {
			refs, err := s.List(ctx, sessionKey)
			if apperror.IsKind(err, apperror.KindSessionNotFound) {
				return 0, nil
			}
			return nextIndex(refs), err
		},
		func(idx int) error {
			key = s.sessionPrefix(sessionKey) + chunkName(idx)
			return retries.Retry(
				ctx,
				retries.DefaultAttempts,
				retries.DefaultBaseDelay,
				func() error {
					_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
						Bucket:        aws.String(s.bucketName),
						Key:           aws.String(key),
						Body:          bytes.NewReader(payload),
						ContentLength: aws.Int64(int64(len(payload))),
					})
					return err
				},
				retries.IsRetriableStorageError,
			)
		},
	)
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			return models.ChunkRef{}, err
		}
		s.logger.Error("failed to stage chunk", "session_key", sessionKey, "key", key, "error", err)
		return models.ChunkRef{}, apperror.StorageUnavailable("stage chunk", err)
	}

	return models.ChunkRef{
		SessionKey: sessionKey,
		Index:      idx,
		Size:       int64(len(payload)),
		Location:   key,
	}, nil
}

func (s *S3ChunkStore) List(ctx context.Context, sessionKey string) ([]models.ChunkRef, error) {
	if err := models.ValidateSessionKey(sessionKey); err != nil {
		return nil, err
	}
	prefix := s.sessionPrefix(sessionKey)

	s.logger.Debug("listing chunks", "prefix", prefix)

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})

	var refs []models.ChunkRef
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger.Error("failed to list objects", "prefix", prefix, "error", err)
			return nil, apperror.StorageUnavailable("list chunks", err)
		}
		for _, obj := range page.Contents {
			idx, ok := extractChunkIndex(aws.ToString(obj.Key))
			if !ok {
				continue
			}
			refs = append(refs, models.ChunkRef{
				SessionKey: sessionKey,
				Index:      idx,
				Size:       aws.ToInt64(obj.Size),
				Location:   aws.ToString(obj.Key),
			})
		}
	}

	if len(refs) == 0 {
		return nil, apperror.SessionNotFound(sessionKey)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].Index < refs[j].Index })
	s.logger.Debug("listed chunks", "prefix", prefix, "count", len(refs))
	return refs, nil
}

func (s *S3ChunkStore) Open(ctx context.Context, ref models.ChunkRef) (io.ReadCloser, error) {
	key := ref.Location
	if key == "" {
		key = s.sessionPrefix(ref.SessionKey) + chunkName(ref.Index)
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, apperror.SessionNotFound(ref.SessionKey)
		}
		return nil, apperror.StorageUnavailable("open chunk", err)
	}
	return out.Body, nil
}

func (s *S3ChunkStore) Purge(ctx context.Context, sessionKey string) error {
	if err := models.ValidateSessionKey(sessionKey); err != nil {
		return err
	}
	defer s.slots.forget(sessionKey)

	if err := s.deletePrefix(ctx, s.sessionPrefix(sessionKey)); err != nil {
		return apperror.StorageUnavailable("purge chunks", err)
	}
	return nil
}

func (s *S3ChunkStore) deletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("prefix cannot be empty")
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(prefix),
	})

	totalDeleted := 0
	for paginator.HasMorePages() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			s.logger.Error("failed to list objects for deletion", "prefix", prefix, "error", err)
			return fmt.Errorf("failed to list objects for deletion: %w", err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		objects := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
		}

		_, err = s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucketName),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(true),
			},
		})
		if err != nil {
			s.logger.Error("failed to delete objects", "prefix", prefix, "batch_size", len(objects), "error", err)
			return fmt.Errorf("failed to delete objects: %w", err)
		}
		totalDeleted += len(objects)
	}

	if totalDeleted > 0 {
		s.logger.Info("purged staging", "prefix", prefix, "total_deleted", totalDeleted)
	}
	return nil
}

func (s *S3ChunkStore) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
				Bucket: aws.String(s.bucketName),
			})
			var apiErr smithy.APIError
			if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
				return fmt.Errorf("staging bucket %s does not exist", s.bucketName)
			}
			return err
		},
		retries.IsRetriableStorageError,
	)
}

func (s *S3ChunkStore) Name() string {
	return "ChunkStore[s3:" + s.bucketName + "]"
}
