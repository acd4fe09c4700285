package retries

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return apperror.StorageUnavailable("put", errors.New("reset"))
		}
		return nil
	}, IsRetriableStorageError)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	quota := apperror.StorageQuotaExceeded("put", errors.New("full"))
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return quota
	}, IsRetriableStorageError)

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrStorageQuotaExceeded))
	assert.Equal(t, 1, calls)
}

func TestRetryGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return apperror.StorageUnavailable("put", errors.New("reset"))
	}, IsRetriableStorageError)

	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestIsRetriableStorageError(t *testing.T) {
	assert.True(t, IsRetriableStorageError(&smithy.GenericAPIError{Code: "SlowDown"}))
	assert.False(t, IsRetriableStorageError(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, IsRetriableStorageError(context.Canceled))
	assert.False(t, IsRetriableStorageError(nil))
}

func TestIsRetriableDbError(t *testing.T) {
	assert.False(t, IsRetriableDbError(&types.ConditionalCheckFailedException{}))
	assert.True(t, IsRetriableDbError(&types.ProvisionedThroughputExceededException{}))
	assert.True(t, IsRetriableDbError(&smithy.GenericAPIError{Code: "ThrottlingException"}))
	assert.False(t, IsRetriableDbError(&smithy.GenericAPIError{Code: "ValidationException"}))
}
