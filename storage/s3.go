package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/Yulian302/lfusys-services-recordings/models"
	"github.com/Yulian302/lfusys-services-recordings/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3 rejects multipart parts below 5 MiB, except the last one.
const minPartSize = 5 * 1024 * 1024

type S3Publisher struct {
	client             *s3.Client
	presigner          *s3.PresignClient
	bucketName         string
	multipartThreshold int64
	partSize           int64

	logger logging.Logger
}

func NewS3Publisher(client *s3.Client, bucketName string, multipartThreshold int64, l logging.Logger) *S3Publisher {
	partSize := multipartThreshold
	if partSize < minPartSize {
		partSize = minPartSize
	}
	return &S3Publisher{
		client:             client,
		presigner:          s3.NewPresignClient(client),
		bucketName:         bucketName,
		multipartThreshold: multipartThreshold,
		partSize:           partSize,
		logger:             l,
	}
}

func apiCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func (s *S3Publisher) Publish(ctx context.Context, artifact models.MergedArtifact, key string) (models.StorageObject, error) {
	if key == "" {
		return models.StorageObject{}, fmt.Errorf("key cannot be empty")
	}

	f, err := os.Open(artifact.Path)
	if err != nil {
		return models.StorageObject{}, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	s.logger.Info("publishing artifact", "session_key", artifact.SessionKey, "key", key, "size", artifact.Size)

	if artifact.Size < s.multipartThreshold || artifact.Size == 0 {
		err = s.putObject(ctx, f, artifact, key)
	} else {
		err = s.multipartUpload(ctx, f, artifact, key)
	}
	if err != nil {
		s.logger.Error("failed to publish artifact", "session_key", artifact.SessionKey, "key", key, "error", err)
		return models.StorageObject{}, classify("publish", err, apiCode(err))
	}

	return models.StorageObject{
		Bucket:      s.bucketName,
		Key:         key,
		ContentType: artifact.ContentType,
		Size:        artifact.Size,
	}, nil
}

func (s *S3Publisher) putObject(ctx context.Context, f *os.File, artifact models.MergedArtifact, key string) error {
	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return err
			}
			_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
				Bucket:        aws.String(s.bucketName),
				Key:           aws.String(key),
				Body:          f,
				ContentLength: aws.Int64(artifact.Size),
				ContentType:   aws.String(artifact.ContentType),
			})
			return err
		},
		retries.IsRetriableStorageError,
	)
}

func (s *S3Publisher) multipartUpload(ctx context.Context, f *os.File, artifact models.MergedArtifact, key string) (err error) {
	if abortErr := s.abortStaleMultipartUploads(ctx, key); abortErr != nil {
		s.logger.Warn("failed to abort stale multipart uploads", "key", key, "error", abortErr)
	}

	createOut, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(key),
		ContentType: aws.String(artifact.ContentType),
	})
	if err != nil {
		return fmt.Errorf("failed to create multipart upload: %w", err)
	}
	uploadID := aws.ToString(createOut.UploadId)

	defer func() {
		if err != nil {
			s.logger.Warn("aborting multipart upload due to error", "upload_id", uploadID, "key", key)
			// the caller's context may already be done
			abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if abortErr := s.abortMultipartUpload(abortCtx, key, uploadID); abortErr != nil {
				s.logger.Error("failed to abort multipart upload", "upload_id", uploadID, "error", abortErr)
			}
		}
	}()

	var (
		completedParts []types.CompletedPart
		buf            = make([]byte, s.partSize)
	)
	for partNumber := int32(1); ; partNumber++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		n, readErr := io.ReadFull(f, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return fmt.Errorf("failed to read artifact: %w", readErr)
		}
		part := buf[:n]

		var etag *string
		err = retries.Retry(
			ctx,
			retries.DefaultAttempts,
			retries.DefaultBaseDelay,
			func() error {
				out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
					Bucket:        aws.String(s.bucketName),
					Key:           aws.String(key),
					UploadId:      aws.String(uploadID),
					PartNumber:    aws.Int32(partNumber),
					Body:          bytes.NewReader(part),
					ContentLength: aws.Int64(int64(n)),
				})
				if err != nil {
					return err
				}
				etag = out.ETag
				return nil
			},
			retries.IsRetriableStorageError,
		)
		if err != nil {
			return fmt.Errorf("failed to upload part %d: %w", partNumber, err)
		}

		completedParts = append(completedParts, types.CompletedPart{
			ETag:       etag,
			PartNumber: aws.Int32(partNumber),
		})
		if readErr == io.ErrUnexpectedEOF {
			break
		}
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	s.logger.Info("completed multipart upload", "upload_id", uploadID, "key", key, "parts", len(completedParts))
	return nil
}

func (s *S3Publisher) abortMultipartUpload(ctx context.Context, key string, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return err
}

// abortStaleMultipartUploads cleans up uploads a crashed publish of the
// same key left behind.
func (s *S3Publisher) abortStaleMultipartUploads(ctx context.Context, key string) error {
	out, err := s.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to list multipart uploads: %w", err)
	}

	for _, upload := range out.Uploads {
		if aws.ToString(upload.Key) != key {
			continue
		}
		if err := s.abortMultipartUpload(ctx, key, aws.ToString(upload.UploadId)); err != nil {
			s.logger.Error("failed to abort multipart upload", "upload_id", aws.ToString(upload.UploadId), "error", err)
			continue
		}
		s.logger.Debug("aborted stale multipart upload", "upload_id", aws.ToString(upload.UploadId), "key", key)
	}
	return nil
}

func (s *S3Publisher) IssueAccess(ctx context.Context, obj models.StorageObject, ttl time.Duration) (models.AccessGrant, error) {
	presigned, err := s.presigner.PresignGetObject(
		ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(s.bucketName),
			Key:    aws.String(obj.Key),
		},
		s3.WithPresignExpires(ttl),
	)
	if err != nil {
		return models.AccessGrant{}, classify("issue access", err, apiCode(err))
	}

	return models.AccessGrant{
		URL:       presigned.URL,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

func (s *S3Publisher) Remove(ctx context.Context, key string) (models.RemoveOutcome, error) {
	exists, err := s.fileExists(ctx, key)
	if err != nil {
		return "", classify("remove", err, apiCode(err))
	}
	if !exists {
		return models.RemoveOutcomeNotFound, nil
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(s.bucketName),
				Key:    aws.String(key),
			})
			return err
		},
		retries.IsRetriableStorageError,
	)
	if err != nil {
		s.logger.Error("failed to delete object", "key", key, "error", err)
		return "", classify("remove", err, apiCode(err))
	}

	s.logger.Info("removed object", "key", key)
	return models.RemoveOutcomeRemoved, nil
}

func (s *S3Publisher) fileExists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("key cannot be empty")
	}

	var exists bool
	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
				Bucket: aws.String(s.bucketName),
				Key:    aws.String(key),
			})
			if err == nil {
				exists = true
				return nil
			}

			var notFound *types.NotFound
			if errors.As(err, &notFound) || apiCode(err) == "NotFound" {
				exists = false
				return nil
			}
			return err
		},
		retries.IsRetriableStorageError,
	)
	return exists, err
}

func (s *S3Publisher) IsReady(ctx context.Context) error {
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
			return err
		},
		retries.IsRetriableStorageError,
	)
}

func (s *S3Publisher) Name() string {
	return "Publisher[s3:" + s.bucketName + "]"
}
