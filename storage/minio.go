package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/Yulian302/lfusys-services-recordings/models"
	"github.com/Yulian302/lfusys-services-recordings/retries"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioPublisher targets self-hosted S3 compatible storage. minio-go splits
// large objects into multipart uploads on its own.
type MinioPublisher struct {
	cl     *minio.Client
	bucket string
	logger logging.Logger
}

func NewMinioPublisher(cfg MinioConfig, l logging.Logger) (*MinioPublisher, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Region:       cfg.Region,
		BucketLookup: minio.BucketLookupPath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinioPublisher{cl: cl, bucket: cfg.Bucket, logger: l}, nil
}

func minioCode(err error) string {
	return minio.ToErrorResponse(err).Code
}

func (p *MinioPublisher) Publish(ctx context.Context, artifact models.MergedArtifact, key string) (models.StorageObject, error) {
	f, err := os.Open(artifact.Path)
	if err != nil {
		return models.StorageObject{}, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	var info minio.UploadInfo
	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			if _, err := f.Seek(0, io.SeekStart); err != nil {
				return err
			}
			var err error
			info, err = p.cl.PutObject(ctx, p.bucket, key, f, artifact.Size, minio.PutObjectOptions{
				ContentType: artifact.ContentType,
			})
			return err
		},
		retries.IsRetriableStorageError,
	)
	if err != nil {
		p.logger.Error("failed to publish artifact", "session_key", artifact.SessionKey, "key", key, "error", err)
		return models.StorageObject{}, classify("publish", err, minioCode(err))
	}

	p.logger.Info("published artifact", "session_key", artifact.SessionKey, "key", key, "size", info.Size)
	return models.StorageObject{
		Bucket:      p.bucket,
		Key:         key,
		ContentType: artifact.ContentType,
		Size:        info.Size,
	}, nil
}

func (p *MinioPublisher) IssueAccess(ctx context.Context, obj models.StorageObject, ttl time.Duration) (models.AccessGrant, error) {
	u, err := p.cl.PresignedGetObject(ctx, p.bucket, obj.Key, ttl, url.Values{})
	if err != nil {
		return models.AccessGrant{}, classify("issue access", err, minioCode(err))
	}
	return models.AccessGrant{URL: u.String(), ExpiresAt: time.Now().Add(ttl)}, nil
}

func (p *MinioPublisher) Remove(ctx context.Context, key string) (models.RemoveOutcome, error) {
	_, err := p.cl.StatObject(ctx, p.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minioCode(err) == "NoSuchKey" {
			return models.RemoveOutcomeNotFound, nil
		}
		return "", classify("remove", err, minioCode(err))
	}

	if err := p.cl.RemoveObject(ctx, p.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		p.logger.Error("failed to delete object", "key", key, "error", err)
		return "", classify("remove", err, minioCode(err))
	}
	p.logger.Info("removed object", "key", key)
	return models.RemoveOutcomeRemoved, nil
}

func (p *MinioPublisher) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	ok, err := p.cl.BucketExists(ctx, p.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", p.bucket)
	}
	return nil
}

func (p *MinioPublisher) Name() string {
	return "Publisher[minio:" + p.bucket + "]"
}
