package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/health"
	"github.com/Yulian302/lfusys-services-recordings/models"
)

// Publisher moves merged artifacts into durable object storage. A publish
// is all-or-nothing: readers never observe a partially written object.
type Publisher interface {
	Publish(ctx context.Context, artifact models.MergedArtifact, key string) (models.StorageObject, error)
	IssueAccess(ctx context.Context, obj models.StorageObject, ttl time.Duration) (models.AccessGrant, error)
	// Remove deletes key. A missing object is reported as not_found, not
	// as an error.
	Remove(ctx context.Context, key string) (models.RemoveOutcome, error)

	health.ReadinessCheck
}

// ObjectKey names the stored object of a session: {prefix}{sessionKey}{ext}.
// ext carries its leading dot.
func ObjectKey(prefix, sessionKey, ext string) string {
	return prefix + sessionKey + ext
}

var quotaCodes = map[string]bool{
	"QuotaExceeded":                  true,
	"EntityTooLarge":                 true,
	"InsufficientStorage":            true,
	"XMinioStorageFull":              true,
	"XMinioAdminBucketQuotaExceeded": true,
	"ServiceQuotaExceededException":  true,
}

// classify turns a backend failure into the pipeline taxonomy. code is the
// backend's error code, empty when there is none.
func classify(op string, err error, code string) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.DeadlineExceeded(op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if quotaCodes[code] || strings.Contains(strings.ToLower(code), "quota") {
		return apperror.StorageQuotaExceeded(op, err)
	}
	return apperror.StorageUnavailable(op, err)
}
