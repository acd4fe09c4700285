package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/Yulian302/lfusys-services-recordings/models"
	"github.com/Yulian302/lfusys-services-recordings/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepExpiresIdleSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.svc.now = func() time.Time { return time.Now().UTC().Add(-48 * time.Hour) }
	f.appendAll(t, "idle", 1.0, 1.0)
	f.svc.now = func() time.Time { return time.Now().UTC() }
	f.appendAll(t, "fresh", 1.0)

	w := NewExpiryWorkerImpl(ctx, f.svc, f.sessions, 24*time.Hour, time.Hour, logging.NewNopLogger())
	assert.Equal(t, 1, w.Sweep(ctx))

	_, err := f.chunks.List(ctx, "idle")
	assert.True(t, apperror.IsKind(err, apperror.KindSessionNotFound))
	session, err := f.sessions.Get(ctx, "idle")
	require.NoError(t, err)
	assert.Equal(t, models.StateAbandoned, session.State)

	refs, err := f.chunks.List(ctx, "fresh")
	require.NoError(t, err)
	assert.Len(t, refs, 1)

	// the abandoned record is dropped once it goes stale itself
	f.svc.now = func() time.Time { return time.Now().UTC().Add(-48 * time.Hour) }
	require.NoError(t, f.svc.Expire(ctx, "idle"))
	_, err = f.sessions.Get(ctx, "idle")
	assert.True(t, apperror.IsKind(err, apperror.KindSessionNotFound))
}

// flakyPurge fails Purge while broken is set.
type flakyPurge struct {
	store.ChunkStore
	broken *atomic.Bool
}

func (s flakyPurge) Purge(ctx context.Context, sessionKey string) error {
	if s.broken.Load() {
		return errors.New("staging unavailable")
	}
	return s.ChunkStore.Purge(ctx, sessionKey)
}

func TestSweepSettlesPublishedSessions(t *testing.T) {
	ctx := context.Background()
	broken := &atomic.Bool{}
	broken.Store(true)
	f := newFixture(t, withStaging(func(cs store.ChunkStore) store.ChunkStore {
		return flakyPurge{ChunkStore: cs, broken: broken}
	}))

	f.svc.now = func() time.Time { return time.Now().UTC().Add(-48 * time.Hour) }
	f.appendAll(t, "done", 1.0, 1.0)
	_, err := f.svc.Merge(ctx, "done")
	require.NoError(t, err)

	// purge after publish failed, the chunks wait for the sweep
	refs, err := f.chunks.List(ctx, "done")
	require.NoError(t, err)
	assert.Len(t, refs, 2)

	w := NewExpiryWorkerImpl(ctx, f.svc, f.sessions, 24*time.Hour, time.Hour, logging.NewNopLogger())
	assert.Equal(t, 0, w.Sweep(ctx))

	broken.Store(false)
	assert.Equal(t, 1, w.Sweep(ctx))
	_, err = f.chunks.List(ctx, "done")
	assert.True(t, apperror.IsKind(err, apperror.KindSessionNotFound))

	// settled sessions are not listed again
	stale, err := f.sessions.ListStale(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, stale)
	assert.Equal(t, 0, w.Sweep(ctx))

	status, err := f.svc.Status(ctx, "done")
	require.NoError(t, err)
	assert.Equal(t, models.StatePublished, status.State)
}

func TestMergeSettlesSessionOnCleanPurge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.now = func() time.Time { return time.Now().UTC().Add(-48 * time.Hour) }
	f.appendAll(t, "done", 1.0)
	_, err := f.svc.Merge(ctx, "done")
	require.NoError(t, err)

	session, err := f.sessions.Get(ctx, "done")
	require.NoError(t, err)
	assert.True(t, session.Settled())

	stale, err := f.sessions.ListStale(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestSweepSkipsLockedSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.svc.now = func() time.Time { return time.Now().UTC().Add(-48 * time.Hour) }
	f.appendAll(t, "busy", 1.0)

	unlock, ok, err := f.svc.locker.TryLock(ctx, "busy")
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock(ctx)

	w := NewExpiryWorkerImpl(ctx, f.svc, f.sessions, 24*time.Hour, time.Hour, logging.NewNopLogger())
	assert.Equal(t, 0, w.Sweep(ctx))

	refs, err := f.chunks.List(ctx, "busy")
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestExpiryWorkerShutdown(t *testing.T) {
	f := newFixture(t)
	w := NewExpiryWorkerImpl(context.Background(), f.svc, f.sessions, time.Hour, 10*time.Millisecond, logging.NewNopLogger())
	w.Start()
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, w.Shutdown(ctx))
}
