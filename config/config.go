package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendMemory   = "memory"
	BackendDisk     = "disk"
	BackendS3       = "s3"
	BackendMinio    = "minio"
	BackendDynamoDB = "dynamodb"
	BackendRedis    = "redis"

	StrategyNative = "native"
	StrategyFFmpeg = "ffmpeg"
)

type Config struct {
	Env         string `mapstructure:"APP_ENV"`
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	CORSOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	Tracing     bool   `mapstructure:"TRACING"`
	TracingAddr string `mapstructure:"TRACING_ADDR"`

	// chunk staging
	StagingBackend string `mapstructure:"STAGING_BACKEND"`
	StagingDir     string `mapstructure:"STAGING_DIR"`
	StagingBucket  string `mapstructure:"STAGING_BUCKET"`
	StagingPrefix  string `mapstructure:"STAGING_PREFIX"`
	ScratchDir     string `mapstructure:"SCRATCH_DIR"`

	// durable storage
	StorageBackend     string        `mapstructure:"STORAGE_BACKEND"`
	Region             string        `mapstructure:"AWS_REGION"`
	Endpoint           string        `mapstructure:"AWS_ENDPOINT"`
	Bucket             string        `mapstructure:"AWS_S3_BUCKET_NAME"`
	KeyPrefix          string        `mapstructure:"STORAGE_KEY_PREFIX"`
	MultipartThreshold int64         `mapstructure:"STORAGE_MULTIPART_THRESHOLD"`
	MinioEndpoint      string        `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey     string        `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey     string        `mapstructure:"MINIO_SECRET_KEY"`
	MinioUseSSL        bool          `mapstructure:"MINIO_USE_SSL"`
	AccessURLTTL       time.Duration `mapstructure:"ACCESS_URL_TTL"`

	// session lifecycle records
	SessionsBackend   string `mapstructure:"SESSIONS_BACKEND"`
	SessionsTableName string `mapstructure:"SESSIONS_TABLE_NAME"`

	// merge locking
	LockBackend   string        `mapstructure:"LOCK_BACKEND"`
	RedisAddr     string        `mapstructure:"REDIS_ADDR"`
	RedisPassword string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int           `mapstructure:"REDIS_DB"`
	LockTTL       time.Duration `mapstructure:"LOCK_TTL"`

	MergeQueueURL string `mapstructure:"MERGE_QUEUE_URL"`

	// pipeline
	Format           string        `mapstructure:"PIPELINE_FORMAT"`
	Merger           string        `mapstructure:"PIPELINE_MERGER"`
	Prober           string        `mapstructure:"PIPELINE_PROBER"`
	FFmpegPath       string        `mapstructure:"FFMPEG_PATH"`
	FFprobePath      string        `mapstructure:"FFPROBE_PATH"`
	ToleranceSeconds float64       `mapstructure:"PIPELINE_TOLERANCE_SECONDS"`
	ProbeTimeout     time.Duration `mapstructure:"PIPELINE_PROBE_TIMEOUT"`
	MergeTimeout     time.Duration `mapstructure:"PIPELINE_MERGE_TIMEOUT"`
	PublishTimeout   time.Duration `mapstructure:"PIPELINE_PUBLISH_TIMEOUT"`
	ProbeParallelism int           `mapstructure:"PIPELINE_PROBE_PARALLELISM"`
	MaxChunkBytes    int64         `mapstructure:"MAX_CHUNK_BYTES"`
	SessionTTL       time.Duration `mapstructure:"SESSION_TTL"`
	ReapInterval     time.Duration `mapstructure:"SESSION_REAP_INTERVAL"`
}

var defaults = map[string]any{
	"APP_ENV":                     "development",
	"HTTP_ADDR":                   ":8080",
	"CORS_ALLOWED_ORIGINS":        "",
	"TRACING":                     false,
	"TRACING_ADDR":                "localhost:4317",
	"STAGING_BACKEND":             BackendDisk,
	"STAGING_DIR":                 "./uploads",
	"STAGING_BUCKET":              "",
	"STAGING_PREFIX":              "uploads/",
	"SCRATCH_DIR":                 "",
	"STORAGE_BACKEND":             BackendS3,
	"AWS_REGION":                  "us-east-1",
	"AWS_ENDPOINT":                "",
	"AWS_S3_BUCKET_NAME":          "",
	"STORAGE_KEY_PREFIX":          "",
	"STORAGE_MULTIPART_THRESHOLD": 8 * 1024 * 1024,
	"MINIO_ENDPOINT":              "",
	"MINIO_ACCESS_KEY":            "",
	"MINIO_SECRET_KEY":            "",
	"MINIO_USE_SSL":               true,
	"ACCESS_URL_TTL":              "1h",
	"SESSIONS_BACKEND":            BackendMemory,
	"SESSIONS_TABLE_NAME":         "recording_sessions",
	"LOCK_BACKEND":                BackendMemory,
	"REDIS_ADDR":                  "localhost:6379",
	"REDIS_PASSWORD":              "",
	"REDIS_DB":                    0,
	"LOCK_TTL":                    "10m",
	"MERGE_QUEUE_URL":             "",
	"PIPELINE_FORMAT":             "wav",
	"PIPELINE_MERGER":             StrategyNative,
	"PIPELINE_PROBER":             StrategyNative,
	"FFMPEG_PATH":                 "ffmpeg",
	"FFPROBE_PATH":                "ffprobe",
	"PIPELINE_TOLERANCE_SECONDS":  1.0,
	"PIPELINE_PROBE_TIMEOUT":      "30s",
	"PIPELINE_MERGE_TIMEOUT":      "2m",
	"PIPELINE_PUBLISH_TIMEOUT":    "2m",
	"PIPELINE_PROBE_PARALLELISM":  4,
	"MAX_CHUNK_BYTES":             10 * 1024 * 1024,
	"SESSION_TTL":                 "24h",
	"SESSION_REAP_INTERVAL":       "10m",
}

// LoadConfig reads .env when present and then the process environment.
func LoadConfig() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return Config{}, errors.New("failed to load .env")
		}
	}
	return load()
}

func load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
		_ = v.BindEnv(k)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.Format = strings.ToLower(strings.TrimPrefix(cfg.Format, "."))
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	switch c.StagingBackend {
	case BackendMemory, BackendDisk:
	case BackendS3:
		if c.StagingBucket == "" && c.Bucket == "" {
			errs = append(errs, errors.New("STAGING_BUCKET or AWS_S3_BUCKET_NAME is required for s3 staging"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STAGING_BACKEND %q", c.StagingBackend))
	}
	if c.StagingBackend == BackendDisk && c.StagingDir == "" {
		errs = append(errs, errors.New("STAGING_DIR is required for disk staging"))
	}

	switch c.StorageBackend {
	case BackendMemory:
	case BackendS3:
		if c.Bucket == "" {
			errs = append(errs, errors.New("AWS_S3_BUCKET_NAME is required"))
		}
	case BackendMinio:
		if c.Bucket == "" || c.MinioEndpoint == "" {
			errs = append(errs, errors.New("AWS_S3_BUCKET_NAME and MINIO_ENDPOINT are required for minio"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}

	switch c.SessionsBackend {
	case BackendMemory:
	case BackendDynamoDB:
		if c.SessionsTableName == "" {
			errs = append(errs, errors.New("SESSIONS_TABLE_NAME is required for dynamodb"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SESSIONS_BACKEND %q", c.SessionsBackend))
	}

	if c.LockBackend != BackendMemory && c.LockBackend != BackendRedis {
		errs = append(errs, fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend))
	}
	if c.Format != "wav" && c.Format != "mp3" {
		errs = append(errs, fmt.Errorf("unsupported PIPELINE_FORMAT %q", c.Format))
	}
	if c.Merger != StrategyNative && c.Merger != StrategyFFmpeg {
		errs = append(errs, fmt.Errorf("unknown PIPELINE_MERGER %q", c.Merger))
	}
	if c.Prober != StrategyNative && c.Prober != StrategyFFmpeg {
		errs = append(errs, fmt.Errorf("unknown PIPELINE_PROBER %q", c.Prober))
	}
	if c.ToleranceSeconds < 0 {
		errs = append(errs, errors.New("PIPELINE_TOLERANCE_SECONDS must not be negative"))
	}
	if c.AccessURLTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_URL_TTL must be positive"))
	}
	if c.ProbeParallelism < 1 {
		errs = append(errs, errors.New("PIPELINE_PROBE_PARALLELISM must be at least 1"))
	}

	return errors.Join(errs...)
}

func (c Config) String() string {
	var sb strings.Builder
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  Env: %s\n", c.Env)
	fmt.Fprintf(&sb, "  HTTPAddr: %s\n", c.HTTPAddr)
	fmt.Fprintf(&sb, "  Staging: %s (%s%s)\n", c.StagingBackend, c.StagingDir, c.StagingBucket)
	fmt.Fprintf(&sb, "  Storage: %s bucket=%s region=%s endpoint=%s\n", c.StorageBackend, c.Bucket, c.Region, c.Endpoint+c.MinioEndpoint)
	if c.MinioSecretKey != "" {
		sb.WriteString("  MinioSecretKey: ********\n")
	}
	if c.RedisPassword != "" {
		sb.WriteString("  RedisPassword: ********\n")
	}
	fmt.Fprintf(&sb, "  Sessions: %s table=%s\n", c.SessionsBackend, c.SessionsTableName)
	fmt.Fprintf(&sb, "  Lock: %s\n", c.LockBackend)
	fmt.Fprintf(&sb, "  Pipeline: format=%s merger=%s prober=%s tolerance=%.2fs\n", c.Format, c.Merger, c.Prober, c.ToleranceSeconds)
	return sb.String()
}
