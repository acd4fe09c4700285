package services

import (
	"context"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/Yulian302/lfusys-services-recordings/retries"
	"github.com/Yulian302/lfusys-services-recordings/store"
)

// Reaper drops the staging area of sessions that no longer need it.
type Reaper struct {
	chunks store.ChunkStore
	logger logging.Logger
}

func NewReaper(chunks store.ChunkStore, logger logging.Logger) *Reaper {
	return &Reaper{chunks: chunks, logger: logger}
}

func (r *Reaper) Reap(ctx context.Context, sessionKey string) error {
	err := retries.Retry(ctx, retries.DefaultAttempts, retries.DefaultBaseDelay, func() error {
		return r.chunks.Purge(ctx, sessionKey)
	}, retries.IsRetriableStorageError)
	if err != nil {
		r.logger.Error("failed to purge staging", "session_key", sessionKey, "error", err)
		return err
	}
	r.logger.Debug("staging purged", "session_key", sessionKey)
	return nil
}

type ExpiryWorker interface {
	Start()
	Shutdown(ctx context.Context) error
}

// ExpiryWorkerImpl periodically expires sessions idle for longer than ttl.
type ExpiryWorkerImpl struct {
	pipeline PipelineService
	sessions store.SessionStore
	ttl      time.Duration
	interval time.Duration
	logger   logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewExpiryWorkerImpl(
	parent context.Context,
	pipeline PipelineService,
	sessions store.SessionStore,
	ttl time.Duration,
	interval time.Duration,
	logger logging.Logger,
) *ExpiryWorkerImpl {
	ctx, cancel := context.WithCancel(parent)

	return &ExpiryWorkerImpl{
		pipeline: pipeline,
		sessions: sessions,
		ttl:      ttl,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (w *ExpiryWorkerImpl) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
}

func (w *ExpiryWorkerImpl) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(w.ctx)
		}
	}
}

// Sweep expires every stale session once and returns how many were handled
// without error.
func (w *ExpiryWorkerImpl) Sweep(ctx context.Context) int {
	stale, err := w.sessions.ListStale(ctx, time.Now().UTC().Add(-w.ttl))
	if err != nil {
		w.logger.Error("failed to list stale sessions", "error", err)
		return 0
	}

	done := 0
	for _, s := range stale {
		if ctx.Err() != nil {
			break
		}
		err := w.pipeline.Expire(ctx, s.Key)
		switch {
		case err == nil:
			done++
		case apperror.IsKind(err, apperror.KindMergeInProgress):
			w.logger.Debug("skipping session with merge in progress", "session_key", s.Key)
		default:
			w.logger.Warn("failed to expire session", "session_key", s.Key, "error", err)
		}
	}
	if len(stale) > 0 {
		w.logger.Info("expiry sweep finished", "stale", len(stale), "expired", done)
	}
	return done
}

func (w *ExpiryWorkerImpl) Shutdown(ctx context.Context) error {
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
