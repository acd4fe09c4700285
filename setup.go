package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/config"
	"github.com/Yulian302/lfusys-services-recordings/locks"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/Yulian302/lfusys-services-recordings/tracing"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/sdk/trace"
)

type App struct {
	Server *http.Server

	S3       *s3.Client
	DynamoDB *dynamodb.Client
	Redis    *redis.Client
	Sqs      *sqs.Client

	Config    config.Config
	AwsConfig aws.Config
	Registry  *prometheus.Registry

	Services       *Services
	TracerProvider *trace.TracerProvider
	Logger         logging.Logger
}

func SetupApp() (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	appLogger := logging.NewSlogLogger(logging.CreateAppLogger(cfg.Env))
	appLogger.Info("config loaded", "config", cfg.String())

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app := &App{
		Config:   cfg,
		Registry: reg,
		Logger:   appLogger,
	}

	if needsAWS(cfg) {
		awsCfg, err := initAWS(cfg)
		if err != nil {
			return nil, err
		}
		app.AwsConfig = awsCfg
		app.S3 = initS3(awsCfg, cfg.Endpoint)
		app.DynamoDB = initDynamo(awsCfg, cfg.Endpoint)
		app.Sqs = initSqs(awsCfg, cfg.Endpoint)
	}

	if cfg.LockBackend == config.BackendRedis {
		app.Redis = locks.NewRedisClient(locks.RedisConfig{
			Addr:     cfg.RedisAddr,
			DB:       cfg.RedisDB,
			Password: cfg.RedisPassword,
		})
	}

	if app.Config.Tracing {
		tp, err := tracing.InitTracer(context.Background(), "recordings", cfg.TracingAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to start tracing: %w", err)
		}
		appLogger.Info("tracing enabled", "addr", cfg.TracingAddr)

		app.TracerProvider = tp
	}

	app.Services, err = BuildServices(app)
	if err != nil {
		return nil, err
	}

	app.Server = newHTTPServer(cfg, app.Services)

	return app, nil
}

func newHTTPServer(cfg config.Config, svcs *Services) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           svcs.Handler.Routes(splitOrigins(cfg.CORSOrigins)),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run serves HTTP until the server is shut down. Background services are
// started by the caller before Run so Shutdown never races their start.
func (a *App) Run() error {
	a.Logger.Info("http server started", "addr", a.Config.HTTPAddr)
	if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func needsAWS(cfg config.Config) bool {
	return cfg.StagingBackend == config.BackendS3 ||
		cfg.StorageBackend == config.BackendS3 ||
		cfg.SessionsBackend == config.BackendDynamoDB ||
		cfg.MergeQueueURL != ""
}

func initAWS(cfg config.Config) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// endpoint overrides point the clients at LocalStack in development.
func initS3(cfg aws.Config, endpoint string) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
}

func initDynamo(cfg aws.Config, endpoint string) *dynamodb.Client {
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func initSqs(cfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Info("starting graceful shutdown")

	if a.Server != nil {
		if err := a.Server.Shutdown(ctx); err != nil {
			a.Logger.Warn("http server shutdown error", "error", err)
			_ = a.Server.Close() // force
		}
	}

	if a.Services != nil {
		if err := a.Services.Shutdown(ctx); err != nil {
			a.Logger.Error("services shutdown error", "error", err)
		}
	}

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("redis close error", "error", err)
		}
	}

	if a.TracerProvider != nil {
		if err := a.TracerProvider.Shutdown(ctx); err != nil {
			a.Logger.Error("tracer shutdown error", "error", err)
		}
	}

	a.Logger.Info("graceful shutdown complete")
	return nil
}
