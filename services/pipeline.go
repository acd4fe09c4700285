package services

import (
	"context"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/locks"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/Yulian302/lfusys-services-recordings/media"
	"github.com/Yulian302/lfusys-services-recordings/metrics"
	"github.com/Yulian302/lfusys-services-recordings/models"
	"github.com/Yulian302/lfusys-services-recordings/storage"
	"github.com/Yulian302/lfusys-services-recordings/store"
	"github.com/Yulian302/lfusys-services-recordings/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type PipelineService interface {
	NewSessionKey() string
	AppendChunk(ctx context.Context, sessionKey string, payload []byte, index *int) (models.ChunkRef, error)
	Merge(ctx context.Context, sessionKey string) (*models.MergeResult, error)
	// Remove accepts a session key or the storage key derived from it.
	Remove(ctx context.Context, key string) (models.RemoveOutcome, error)
	Status(ctx context.Context, sessionKey string) (*models.SessionStatus, error)
	IssueAccess(ctx context.Context, sessionKey string) (*models.AccessGrant, error)
	// Expire abandons an idle collecting session and drops its staging.
	Expire(ctx context.Context, sessionKey string) error
}

type PipelineConfig struct {
	KeyPrefix      string
	AccessURLTTL   time.Duration
	ProbeTimeout   time.Duration
	MergeTimeout   time.Duration
	PublishTimeout time.Duration
	MaxChunkBytes  int64
}

type PipelineServiceImpl struct {
	chunks    store.ChunkStore
	sessions  store.SessionStore
	engine    *media.Engine
	verifier  *media.Verifier
	publisher storage.Publisher
	locker    locks.Locker
	reaper    *Reaper
	metrics   *metrics.Metrics
	logger    logging.Logger
	cfg       PipelineConfig

	gates *gateTable
	now   func() time.Time
}

func NewPipelineServiceImpl(
	chunks store.ChunkStore,
	sessions store.SessionStore,
	engine *media.Engine,
	verifier *media.Verifier,
	publisher storage.Publisher,
	locker locks.Locker,
	m *metrics.Metrics,
	logger logging.Logger,
	cfg PipelineConfig,
) *PipelineServiceImpl {
	return &PipelineServiceImpl{
		chunks:    chunks,
		sessions:  sessions,
		engine:    engine,
		verifier:  verifier,
		publisher: publisher,
		locker:    locker,
		reaper:    NewReaper(chunks, logger),
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		gates:     newGateTable(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// NewSessionKey returns a timestamp prefixed key with a random suffix.
func (svc *PipelineServiceImpl) NewSessionKey() string {
	return strconv.FormatInt(svc.now().UnixMilli(), 10) + "-" + uuid.NewString()[:8]
}

func (svc *PipelineServiceImpl) AppendChunk(ctx context.Context, sessionKey string, payload []byte, index *int) (ref models.ChunkRef, err error) {
	defer func() { svc.metrics.ChunksAppended.WithLabelValues(outcomeLabel(err)).Inc() }()

	if err := models.ValidateSessionKey(sessionKey); err != nil {
		return models.ChunkRef{}, err
	}
	if svc.cfg.MaxChunkBytes > 0 && int64(len(payload)) > svc.cfg.MaxChunkBytes {
		return models.ChunkRef{}, apperror.InvalidChunk(sessionKey, "chunk exceeds the size limit")
	}

	g := svc.gates.acquire(sessionKey)
	defer svc.gates.release(sessionKey)
	if !g.mu.TryRLock() {
		return models.ChunkRef{}, apperror.MergeInProgress(sessionKey)
	}
	defer g.mu.RUnlock()

	session, err := svc.lookup(ctx, sessionKey)
	if err != nil {
		return models.ChunkRef{}, err
	}
	if session != nil {
		switch {
		case session.State == models.StatePublished:
			return models.ChunkRef{}, apperror.InvalidSession(sessionKey, "session is already published")
		case session.State.InFlight():
			// merging on another instance
			return models.ChunkRef{}, apperror.MergeInProgress(sessionKey)
		case session.State == models.StateAbandoned:
			if err := svc.chunks.Purge(ctx, sessionKey); err != nil {
				return models.ChunkRef{}, err
			}
			if err := svc.sessions.Put(ctx, models.NewSession(sessionKey, svc.now())); err != nil {
				return models.ChunkRef{}, err
			}
			svc.logger.Info("reopened abandoned session", "session_key", sessionKey)
		}
	}

	ref, err = svc.chunks.Append(ctx, sessionKey, payload, index)
	if err != nil {
		return models.ChunkRef{}, err
	}
	if _, err := svc.sessions.Touch(ctx, sessionKey, svc.now()); err != nil {
		return models.ChunkRef{}, err
	}

	svc.metrics.ChunkBytes.Observe(float64(ref.Size))
	svc.logger.Debug("chunk appended", "session_key", sessionKey, "index", ref.Index, "size", ref.Size)
	return ref, nil
}

func (svc *PipelineServiceImpl) Merge(ctx context.Context, sessionKey string) (res *models.MergeResult, err error) {
	ctx, span := tracing.Tracer().Start(ctx, "pipeline.Merge",
		trace.WithAttributes(attribute.String("session.key", sessionKey)))
	defer func() {
		endSpan(span, err)
		svc.metrics.Merges.WithLabelValues(outcomeLabel(err)).Inc()
	}()

	if err := models.ValidateSessionKey(sessionKey); err != nil {
		return nil, err
	}

	unlock, ok, err := svc.locker.TryLock(ctx, sessionKey)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "merge", err)
	}
	if !ok {
		return nil, apperror.MergeInProgress(sessionKey)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			svc.logger.Warn("failed to release merge lock", "session_key", sessionKey, "error", err)
		}
	}()

	g := svc.gates.acquire(sessionKey)
	defer svc.gates.release(sessionKey)
	g.mu.Lock()
	defer g.mu.Unlock()

	session, err := svc.lookup(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if session != nil && session.State == models.StatePublished {
		return svc.reissue(ctx, session)
	}

	refs, err := svc.chunks.List(ctx, sessionKey)
	if apperror.IsKind(err, apperror.KindSessionNotFound) || (err == nil && len(refs) == 0) {
		return nil, apperror.EmptySession(sessionKey)
	}
	if err != nil {
		return nil, err
	}

	if session == nil || session.State == models.StateAbandoned {
		s := models.NewSession(sessionKey, svc.now())
		session = &s
	}
	if session.State.InFlight() {
		svc.logger.Warn("recovering interrupted merge", "session_key", sessionKey, "state", session.State)
		session.State = models.StateCollecting
	}

	indices := make([]int, len(refs))
	for i, r := range refs {
		indices[i] = r.Index
	}
	if err := media.CheckContiguous(sessionKey, indices); err != nil {
		svc.recordFailure(ctx, session, err)
		return nil, err
	}

	svc.metrics.MergesInFlight.Inc()
	defer svc.metrics.MergesInFlight.Dec()

	res, err = svc.run(ctx, session, refs)
	if err != nil {
		svc.recordFailure(ctx, session, err)
		svc.logger.Warn("merge failed", "session_key", sessionKey, "kind", apperror.KindOf(err).String(), "error", err)
		return nil, err
	}
	svc.logger.Info("session published",
		"session_key", sessionKey,
		"storage_key", res.Object.Key,
		"chunks", res.ChunkCount,
		"duration_seconds", res.DurationSeconds,
	)
	return res, nil
}

// run walks a collecting session with contiguous chunks through
// merging, verifying and publishing. Staging is purged only once the
// session is published.
func (svc *PipelineServiceImpl) run(ctx context.Context, session *models.Session, refs []models.ChunkRef) (*models.MergeResult, error) {
	key := session.Key
	segments := svc.segments(refs)

	if err := svc.transition(ctx, session, models.StateMerging); err != nil {
		return nil, err
	}

	var report media.InputReport
	err := svc.step(ctx, "probe", svc.cfg.ProbeTimeout, func(ctx context.Context) error {
		var err error
		report, err = svc.verifier.MeasureInputs(ctx, segments)
		return err
	})
	if err != nil {
		return nil, err
	}

	var artifact *models.MergedArtifact
	err = svc.step(ctx, "merge", svc.cfg.MergeTimeout, func(ctx context.Context) error {
		var err error
		artifact, err = svc.engine.Merge(ctx, key, segments)
		return err
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.Remove(artifact.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			svc.logger.Warn("failed to remove merged artifact", "path", artifact.Path, "error", err)
		}
	}()

	if err := svc.transition(ctx, session, models.StateVerifying); err != nil {
		return nil, err
	}
	err = svc.step(ctx, "verify", svc.cfg.ProbeTimeout, func(ctx context.Context) error {
		actual, err := svc.verifier.Check(ctx, key, report.Total, media.FileBlob(artifact.Path))
		artifact.DurationSeconds = actual
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := svc.transition(ctx, session, models.StatePublishing); err != nil {
		return nil, err
	}
	storageKey := storage.ObjectKey(svc.cfg.KeyPrefix, key, artifact.Extension)
	var obj models.StorageObject
	err = svc.step(ctx, "publish", svc.cfg.PublishTimeout, func(ctx context.Context) error {
		var err error
		obj, err = svc.publisher.Publish(ctx, *artifact, storageKey)
		return err
	})
	if err != nil {
		return nil, err
	}

	session.StorageKey = obj.Key
	session.DurationSeconds = artifact.DurationSeconds
	session.LastError = ""
	session.LastErrorKind = ""
	if err := svc.transition(ctx, session, models.StatePublished); err != nil {
		return nil, err
	}
	svc.metrics.MergedDurations.Observe(artifact.DurationSeconds)

	// a failed purge is retried by the expiry sweep
	_ = svc.markPurged(ctx, session)

	grant, err := svc.publisher.IssueAccess(ctx, obj, svc.cfg.AccessURLTTL)
	if err != nil {
		return nil, err
	}
	return &models.MergeResult{
		SessionKey:      key,
		Object:          obj,
		Grant:           grant,
		DurationSeconds: artifact.DurationSeconds,
		ChunkCount:      len(refs),
	}, nil
}

func (svc *PipelineServiceImpl) reissue(ctx context.Context, session *models.Session) (*models.MergeResult, error) {
	grant, err := svc.publisher.IssueAccess(ctx, svc.storedObject(session), svc.cfg.AccessURLTTL)
	if err != nil {
		return nil, err
	}
	svc.logger.Debug("session already published, reissued access", "session_key", session.Key)
	return &models.MergeResult{
		SessionKey:      session.Key,
		Object:          svc.storedObject(session),
		Grant:           grant,
		DurationSeconds: session.DurationSeconds,
	}, nil
}

func (svc *PipelineServiceImpl) Remove(ctx context.Context, key string) (outcome models.RemoveOutcome, err error) {
	ctx, span := tracing.Tracer().Start(ctx, "pipeline.Remove",
		trace.WithAttributes(attribute.String("remove.key", key)))
	defer func() {
		endSpan(span, err)
		label := string(outcome)
		if err != nil {
			label = apperror.KindOf(err).String()
		}
		svc.metrics.Removals.WithLabelValues(label).Inc()
	}()

	sessionKey, err := svc.resolveKey(ctx, key)
	if err != nil {
		return "", err
	}
	if err := models.ValidateSessionKey(sessionKey); err != nil {
		return "", err
	}

	unlock, ok, err := svc.locker.TryLock(ctx, sessionKey)
	if err != nil {
		return "", apperror.Wrap(apperror.KindInternal, "remove", err)
	}
	if !ok {
		return "", apperror.MergeInProgress(sessionKey)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			svc.logger.Warn("failed to release merge lock", "session_key", sessionKey, "error", err)
		}
	}()

	g := svc.gates.acquire(sessionKey)
	defer svc.gates.release(sessionKey)
	g.mu.Lock()
	defer g.mu.Unlock()

	staged := false
	refs, err := svc.chunks.List(ctx, sessionKey)
	switch {
	case err == nil:
		staged = len(refs) > 0
	case !apperror.IsKind(err, apperror.KindSessionNotFound):
		return "", err
	}
	if err := svc.chunks.Purge(ctx, sessionKey); err != nil {
		return "", err
	}

	storageKey := storage.ObjectKey(svc.cfg.KeyPrefix, sessionKey, svc.engine.Format().Extension)
	outcome, err = svc.publisher.Remove(ctx, storageKey)
	if err != nil {
		return "", err
	}

	session, err := svc.lookup(ctx, sessionKey)
	if err != nil {
		return "", err
	}
	if session != nil && session.State != models.StateAbandoned {
		session.State = models.StateAbandoned
		session.UpdatedAt = svc.now()
		if err := svc.sessions.Put(ctx, *session); err != nil {
			return "", err
		}
	}

	if staged {
		outcome = models.RemoveOutcomeRemoved
	}
	svc.logger.Info("remove requested", "session_key", sessionKey, "storage_key", storageKey, "outcome", outcome)
	return outcome, nil
}

func (svc *PipelineServiceImpl) Status(ctx context.Context, sessionKey string) (*models.SessionStatus, error) {
	if err := models.ValidateSessionKey(sessionKey); err != nil {
		return nil, err
	}

	count := 0
	refs, err := svc.chunks.List(ctx, sessionKey)
	switch {
	case err == nil:
		count = len(refs)
	case !apperror.IsKind(err, apperror.KindSessionNotFound):
		return nil, err
	}

	session, err := svc.lookup(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if session == nil {
		if count == 0 {
			return nil, apperror.SessionNotFound(sessionKey)
		}
		// staged chunks outlived the session record
		s := models.NewSession(sessionKey, svc.now())
		session = &s
	}
	return &models.SessionStatus{Session: *session, ChunkCount: count}, nil
}

func (svc *PipelineServiceImpl) IssueAccess(ctx context.Context, sessionKey string) (*models.AccessGrant, error) {
	if err := models.ValidateSessionKey(sessionKey); err != nil {
		return nil, err
	}
	session, err := svc.sessions.Get(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if session.State != models.StatePublished {
		return nil, apperror.InvalidSession(sessionKey, "session is not published")
	}
	grant, err := svc.publisher.IssueAccess(ctx, svc.storedObject(session), svc.cfg.AccessURLTTL)
	if err != nil {
		return nil, err
	}
	return &grant, nil
}

func (svc *PipelineServiceImpl) Expire(ctx context.Context, sessionKey string) error {
	unlock, ok, err := svc.locker.TryLock(ctx, sessionKey)
	if err != nil {
		return apperror.Wrap(apperror.KindInternal, "expire", err)
	}
	if !ok {
		return apperror.MergeInProgress(sessionKey)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			svc.logger.Warn("failed to release merge lock", "session_key", sessionKey, "error", err)
		}
	}()

	g := svc.gates.acquire(sessionKey)
	defer svc.gates.release(sessionKey)
	g.mu.Lock()
	defer g.mu.Unlock()

	session, err := svc.lookup(ctx, sessionKey)
	if err != nil || session == nil {
		return err
	}

	switch session.State {
	case models.StatePublished:
		// leftover staging from a failed purge
		return svc.markPurged(ctx, session)
	case models.StateAbandoned:
		if err := svc.reaper.Reap(ctx, sessionKey); err != nil {
			return err
		}
		return svc.sessions.Delete(ctx, sessionKey)
	default:
		if err := svc.reaper.Reap(ctx, sessionKey); err != nil {
			return err
		}
		session.State = models.StateAbandoned
		session.UpdatedAt = svc.now()
		if err := svc.sessions.Put(ctx, *session); err != nil {
			return err
		}
		svc.metrics.Expired.Inc()
		svc.logger.Info("session expired", "session_key", sessionKey)
		return nil
	}
}

// lookup returns nil without error when the session has no record.
func (svc *PipelineServiceImpl) lookup(ctx context.Context, sessionKey string) (*models.Session, error) {
	session, err := svc.sessions.Get(ctx, sessionKey)
	if apperror.IsKind(err, apperror.KindSessionNotFound) {
		return nil, nil
	}
	return session, err
}

func (svc *PipelineServiceImpl) transition(ctx context.Context, session *models.Session, to models.SessionState) error {
	if !models.CanTransition(session.State, to) {
		return apperror.New(apperror.KindInternal, "transition",
			"illegal transition "+string(session.State)+" -> "+string(to))
	}
	session.State = to
	session.UpdatedAt = svc.now()
	return svc.sessions.Put(ctx, *session)
}

// markPurged drops the staging of a published session and records that it
// is gone so the session leaves the expiry sweep.
func (svc *PipelineServiceImpl) markPurged(ctx context.Context, session *models.Session) error {
	if err := svc.reaper.Reap(ctx, session.Key); err != nil {
		return err
	}
	session.StagingPurged = true
	if err := svc.sessions.Put(ctx, *session); err != nil {
		svc.logger.Warn("failed to record purged staging", "session_key", session.Key, "error", err)
		return err
	}
	return nil
}

// recordFailure puts the session back to collecting and keeps the error
// for inspection. Chunks are never touched here.
func (svc *PipelineServiceImpl) recordFailure(ctx context.Context, session *models.Session, cause error) {
	if session.State == models.StatePublished {
		return
	}
	session.State = models.StateCollecting
	session.UpdatedAt = svc.now()
	session.LastError = cause.Error()
	session.LastErrorKind = apperror.KindOf(cause).String()

	if err := svc.sessions.Put(context.WithoutCancel(ctx), *session); err != nil {
		svc.logger.Error("failed to record merge failure", "session_key", session.Key, "error", err)
	}
}

// step bounds fn by timeout and reports an expired deadline as
// DeadlineExceeded whatever fn returned.
func (svc *PipelineServiceImpl) step(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	ctx, span := tracing.Tracer().Start(ctx, "pipeline."+name)
	defer func() { endSpan(span, err) }()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err = fn(ctx)
	svc.metrics.StepDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !apperror.IsKind(err, apperror.KindDeadlineExceeded) {
		err = apperror.DeadlineExceeded(name, err)
	}
	return err
}

// segments reads staged chunks with the ctx of whichever step opens them,
// so step deadlines bound the staging reads too.
func (svc *PipelineServiceImpl) segments(refs []models.ChunkRef) []media.Segment {
	segments := make([]media.Segment, len(refs))
	for i, ref := range refs {
		segments[i] = media.Segment{
			Index: ref.Index,
			Blob: media.NewBlob(ref.String(), func(ctx context.Context) (io.ReadCloser, error) {
				return svc.chunks.Open(ctx, ref)
			}),
		}
	}
	return segments
}

func (svc *PipelineServiceImpl) storedObject(session *models.Session) models.StorageObject {
	return models.StorageObject{
		Key:         session.StorageKey,
		ContentType: svc.engine.Format().ContentType,
	}
}

// resolveKey maps a Remove argument onto a session key. A key naming an
// existing session or staging area is taken as is; anything else is read
// as a storage key.
func (svc *PipelineServiceImpl) resolveKey(ctx context.Context, key string) (string, error) {
	stripped := svc.sessionKeyOf(key)
	if stripped == key || models.ValidateSessionKey(key) != nil {
		return stripped, nil
	}

	session, err := svc.lookup(ctx, key)
	if err != nil {
		return "", err
	}
	if session != nil {
		return key, nil
	}
	refs, err := svc.chunks.List(ctx, key)
	switch {
	case err == nil && len(refs) > 0:
		return key, nil
	case err != nil && !apperror.IsKind(err, apperror.KindSessionNotFound):
		return "", err
	}
	return stripped, nil
}

// sessionKeyOf strips the storage prefix and extension from a storage key.
func (svc *PipelineServiceImpl) sessionKeyOf(key string) string {
	key = strings.TrimPrefix(key, svc.cfg.KeyPrefix)
	return strings.TrimSuffix(key, svc.engine.Format().Extension)
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return apperror.KindOf(err).String()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type gate struct {
	mu   sync.RWMutex
	refs int
}

// gateTable hands out one gate per active session and drops it when the
// last user leaves.
type gateTable struct {
	mu    sync.Mutex
	gates map[string]*gate
}

func newGateTable() *gateTable {
	return &gateTable{gates: make(map[string]*gate)}
}

func (t *gateTable) acquire(key string) *gate {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.gates[key]
	if !ok {
		g = &gate{}
		t.gates[key] = g
	}
	g.refs++
	return g
}

func (t *gateTable) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.gates[key]; ok {
		g.refs--
		if g.refs <= 0 {
			delete(t.gates, key)
		}
	}
}
