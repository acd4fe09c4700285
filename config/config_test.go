package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 1.0, cfg.ToleranceSeconds)
	assert.Equal(t, time.Hour, cfg.AccessURLTTL)
	assert.Equal(t, 2*time.Minute, cfg.MergeTimeout)
	assert.Equal(t, int64(10*1024*1024), cfg.MaxChunkBytes)
	assert.Equal(t, "wav", cfg.Format)
	assert.Equal(t, BackendDisk, cfg.StagingBackend)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PIPELINE_TOLERANCE_SECONDS", "0.25")
	t.Setenv("PIPELINE_MERGE_TIMEOUT", "45s")
	t.Setenv("PIPELINE_FORMAT", ".MP3")
	t.Setenv("AWS_S3_BUCKET_NAME", "recordings")
	t.Setenv("MINIO_USE_SSL", "false")

	cfg, err := load()
	require.NoError(t, err)

	assert.Equal(t, 0.25, cfg.ToleranceSeconds)
	assert.Equal(t, 45*time.Second, cfg.MergeTimeout)
	assert.Equal(t, "mp3", cfg.Format)
	assert.Equal(t, "recordings", cfg.Bucket)
	assert.False(t, cfg.MinioUseSSL)
}

func TestValidate(t *testing.T) {
	cfg, err := load()
	require.NoError(t, err)

	// s3 storage without a bucket
	assert.Error(t, cfg.Validate())

	cfg.Bucket = "recordings"
	assert.NoError(t, cfg.Validate())

	cfg.Format = "flac"
	cfg.LockBackend = "etcd"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PIPELINE_FORMAT")
	assert.Contains(t, err.Error(), "LOCK_BACKEND")
}

func TestStringMasksSecrets(t *testing.T) {
	cfg := Config{MinioSecretKey: "topsecret", RedisPassword: "hunter2"}
	s := cfg.String()
	assert.NotContains(t, s, "topsecret")
	assert.NotContains(t, s, "hunter2")
}
