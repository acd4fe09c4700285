package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Yulian302/lfusys-services-recordings/config"
	"github.com/Yulian302/lfusys-services-recordings/handlers"
	"github.com/Yulian302/lfusys-services-recordings/health"
	"github.com/Yulian302/lfusys-services-recordings/locks"
	"github.com/Yulian302/lfusys-services-recordings/media"
	"github.com/Yulian302/lfusys-services-recordings/metrics"
	"github.com/Yulian302/lfusys-services-recordings/queues"
	"github.com/Yulian302/lfusys-services-recordings/services"
	"github.com/Yulian302/lfusys-services-recordings/storage"
	"github.com/Yulian302/lfusys-services-recordings/store"
)

type Stores struct {
	chunks   store.ChunkStore
	sessions store.SessionStore
}

type Services struct {
	Pipeline      services.PipelineService
	Expiry        services.ExpiryWorker
	MergeRequests queues.MergeRequestReceiver

	Stores    *Stores
	Publisher storage.Publisher
	Locker    locks.Locker

	Handler *handlers.HTTPHandler
}

func BuildServices(app *App) (*Services, error) {
	cfg := app.Config
	log := app.Logger

	chunks, err := buildChunkStore(app)
	if err != nil {
		return nil, err
	}
	sessions := buildSessionStore(app)

	publisher, err := buildPublisher(app)
	if err != nil {
		return nil, err
	}

	var locker locks.Locker = locks.NewMemoryLocker()
	if cfg.LockBackend == config.BackendRedis {
		locker = locks.NewRedisLocker(app.Redis, "recordings:merge:", cfg.LockTTL)
	}

	format, err := media.FormatByName(cfg.Format)
	if err != nil {
		return nil, err
	}

	scratch := cfg.ScratchDir
	if scratch == "" {
		scratch = os.TempDir()
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}

	merger, err := media.NewMerger(cfg.Merger, format, cfg.FFmpegPath, scratch)
	if err != nil {
		return nil, err
	}
	prober, err := media.NewProber(cfg.Prober, cfg.FFprobePath, scratch)
	if err != nil {
		return nil, err
	}

	m := metrics.NewMetrics(app.Registry)

	pipeline := services.NewPipelineServiceImpl(
		chunks,
		sessions,
		media.NewEngine(merger, format, scratch, log.With("component", "merge")),
		media.NewVerifier(prober, cfg.ToleranceSeconds, cfg.ProbeParallelism, log.With("component", "verify")),
		publisher,
		locker,
		m,
		log.With("component", "pipeline"),
		services.PipelineConfig{
			KeyPrefix:      cfg.KeyPrefix,
			AccessURLTTL:   cfg.AccessURLTTL,
			ProbeTimeout:   cfg.ProbeTimeout,
			MergeTimeout:   cfg.MergeTimeout,
			PublishTimeout: cfg.PublishTimeout,
			MaxChunkBytes:  cfg.MaxChunkBytes,
		},
	)

	expiry := services.NewExpiryWorkerImpl(
		context.Background(),
		pipeline,
		sessions,
		cfg.SessionTTL,
		cfg.ReapInterval,
		log.With("component", "expiry"),
	)

	var mergeRequests queues.MergeRequestReceiver
	if cfg.MergeQueueURL != "" {
		mergeRequests = queues.NewMergeRequestReceiverImpl(
			context.Background(),
			app.Sqs,
			pipeline,
			cfg.MergeQueueURL,
			log.With("component", "merge-requests"),
		)
	}

	checks := []health.ReadinessCheck{chunks, sessions, publisher, locker}
	handler := handlers.NewHTTPHandler(pipeline, m, app.Registry, checks, cfg.MaxChunkBytes, log.With("component", "http"))

	return &Services{
		Pipeline:      pipeline,
		Expiry:        expiry,
		MergeRequests: mergeRequests,

		Stores: &Stores{
			chunks:   chunks,
			sessions: sessions,
		},
		Publisher: publisher,
		Locker:    locker,

		Handler: handler,
	}, nil
}

func buildChunkStore(app *App) (store.ChunkStore, error) {
	cfg := app.Config
	switch cfg.StagingBackend {
	case config.BackendMemory:
		return store.NewMemoryChunkStore(), nil
	case config.BackendS3:
		bucket := cfg.StagingBucket
		if bucket == "" {
			bucket = cfg.Bucket
		}
		return store.NewS3ChunkStore(app.S3, bucket, cfg.StagingPrefix, app.Logger), nil
	default:
		return store.NewDiskChunkStore(cfg.StagingDir, app.Logger)
	}
}

func buildSessionStore(app *App) store.SessionStore {
	if app.Config.SessionsBackend == config.BackendDynamoDB {
		return store.NewDynamoSessionStore(app.DynamoDB, app.Config.SessionsTableName)
	}
	return store.NewMemorySessionStore()
}

func buildPublisher(app *App) (storage.Publisher, error) {
	cfg := app.Config
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return storage.NewMemoryPublisher(cfg.Bucket), nil
	case config.BackendMinio:
		return storage.NewMinioPublisher(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			Region:    cfg.Region,
			Bucket:    cfg.Bucket,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			UseSSL:    cfg.MinioUseSSL,
		}, app.Logger)
	default:
		return storage.NewS3Publisher(app.S3, cfg.Bucket, cfg.MultipartThreshold, app.Logger), nil
	}
}

func (s *Services) Start() {
	s.Expiry.Start()
	if s.MergeRequests != nil {
		s.MergeRequests.Start()
	}
}

func (s *Services) Shutdown(ctx context.Context) error {
	if s.MergeRequests != nil {
		if err := s.MergeRequests.Shutdown(ctx); err != nil {
			return fmt.Errorf("merge request receiver shutdown: %w", err)
		}
	}
	if err := s.Expiry.Shutdown(ctx); err != nil {
		return fmt.Errorf("expiry worker shutdown: %w", err)
	}

	return nil
}
