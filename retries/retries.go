package retries

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 200 * time.Millisecond

	HealthAttempts  = 2
	HealthBaseDelay = 50 * time.Millisecond
)

// Retry runs fn up to attempts times with exponential backoff starting at
// baseDelay. Errors for which isRetriable returns false stop immediately and
// are returned unwrapped.
func Retry(
	ctx context.Context,
	attempts int,
	baseDelay time.Duration,
	fn func() error,
	isRetriable func(error) bool,
) error {
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.MaxInterval = 20 * baseDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		if isRetriable != nil && !isRetriable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
	)
	return err
}

var retriableStorageCodes = map[string]bool{
	"InternalError":              true,
	"ServiceUnavailable":         true,
	"SlowDown":                   true,
	"RequestTimeout":             true,
	"RequestTimeTooSkewed":       true,
	"XMinioServerNotInitialized": true,
}

// IsRetriableStorageError classifies object storage failures.
func IsRetriableStorageError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return appErr.Kind == apperror.KindStorageUnavailable
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return retriableStorageCodes[apiErr.ErrorCode()]
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// IsRetriableDbError classifies DynamoDB failures. Conditional check
// failures are business outcomes and never retried.
func IsRetriableDbError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return false
	}
	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return true
	}
	var internal *types.InternalServerError
	if errors.As(err, &internal) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "RequestLimitExceeded", "ServiceUnavailable":
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
