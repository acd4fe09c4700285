package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/Yulian302/lfusys-services-recordings/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func chunkStores(t *testing.T) map[string]ChunkStore {
	t.Helper()
	disk, err := NewDiskChunkStore(t.TempDir(), logging.NewNopLogger())
	require.NoError(t, err)
	return map[string]ChunkStore{
		"memory": NewMemoryChunkStore(),
		"disk":   disk,
	}
}

func readChunk(t *testing.T, s ChunkStore, ref models.ChunkRef) string {
	t.Helper()
	rc, err := s.Open(context.Background(), ref)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestChunkStoreAppendAndList(t *testing.T) {
	for name, s := range chunkStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for i, payload := range []string{"zero", "one", "two"} {
				ref, err := s.Append(ctx, "abc", []byte(payload), nil)
				require.NoError(t, err)
				assert.Equal(t, i, ref.Index)
				assert.Equal(t, int64(len(payload)), ref.Size)
			}

			refs, err := s.List(ctx, "abc")
			require.NoError(t, err)
			require.Len(t, refs, 3)
			for i, ref := range refs {
				assert.Equal(t, i, ref.Index)
			}
			assert.Equal(t, "one", readChunk(t, s, refs[1]))

			_, err = s.List(ctx, "other")
			assert.ErrorIs(t, err, apperror.ErrSessionNotFound)
		})
	}
}

func TestChunkStoreExplicitIndex(t *testing.T) {
	for name, s := range chunkStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Append(ctx, "abc", []byte("b"), intPtr(1))
			require.NoError(t, err)
			_, err = s.Append(ctx, "abc", []byte("a"), intPtr(0))
			require.NoError(t, err)

			// arrival counter continues after the highest explicit index
			ref, err := s.Append(ctx, "abc", []byte("c"), nil)
			require.NoError(t, err)
			assert.Equal(t, 2, ref.Index)

			// a retried index replaces the chunk
			_, err = s.Append(ctx, "abc", []byte("B"), intPtr(1))
			require.NoError(t, err)

			refs, err := s.List(ctx, "abc")
			require.NoError(t, err)
			require.Len(t, refs, 3)
			assert.Equal(t, "a", readChunk(t, s, refs[0]))
			assert.Equal(t, "B", readChunk(t, s, refs[1]))
			assert.Equal(t, "c", readChunk(t, s, refs[2]))

			_, err = s.Append(ctx, "abc", []byte("x"), intPtr(-1))
			assert.ErrorIs(t, err, apperror.ErrInvalidChunk)
		})
	}
}

func TestChunkStoreConcurrentAppends(t *testing.T) {
	for name, s := range chunkStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 50

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				indices []int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ref, err := s.Append(ctx, "abc", []byte(fmt.Sprintf("chunk-%d", i)), nil)
					assert.NoError(t, err)
					mu.Lock()
					indices = append(indices, ref.Index)
					mu.Unlock()
				}()
			}
			wg.Wait()

			sort.Ints(indices)
			for i := 0; i < n; i++ {
				assert.Equal(t, i, indices[i])
			}

			refs, err := s.List(ctx, "abc")
			require.NoError(t, err)
			assert.Len(t, refs, n)
		})
	}
}

func TestChunkStorePurge(t *testing.T) {
	for name, s := range chunkStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Append(ctx, "abc", []byte("zero"), nil)
			require.NoError(t, err)
			_, err = s.Append(ctx, "abc", []byte("one"), nil)
			require.NoError(t, err)

			require.NoError(t, s.Purge(ctx, "abc"))
			require.NoError(t, s.Purge(ctx, "abc"))
			require.NoError(t, s.Purge(ctx, "never-existed"))

			_, err = s.List(ctx, "abc")
			assert.ErrorIs(t, err, apperror.ErrSessionNotFound)

			// a fresh session under the same key starts at zero
			ref, err := s.Append(ctx, "abc", []byte("again"), nil)
			require.NoError(t, err)
			assert.Equal(t, 0, ref.Index)
		})
	}
}

func TestChunkStoreAcceptsEmptyPayload(t *testing.T) {
	for name, s := range chunkStores(t) {
		t.Run(name, func(t *testing.T) {
			ref, err := s.Append(context.Background(), "abc", nil, nil)
			require.NoError(t, err)
			assert.Equal(t, int64(0), ref.Size)
		})
	}
}

func TestChunkStoreRejectsBadKeys(t *testing.T) {
	for name, s := range chunkStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "../etc", "a/b", ".hidden"} {
				_, err := s.Append(context.Background(), key, []byte("x"), nil)
				assert.ErrorIs(t, err, apperror.ErrInvalidSession, key)
			}
		})
	}
}

func TestDiskChunkStoreRecoversAfterRestart(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	first, err := NewDiskChunkStore(root, logging.NewNopLogger())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := first.Append(ctx, "abc", []byte("x"), nil)
		require.NoError(t, err)
	}

	// leftovers of an interrupted write are ignored
	require.NoError(t, os.WriteFile(filepath.Join(root, "abc", ".tmp-chunk_123"), []byte("partial"), 0o644))

	second, err := NewDiskChunkStore(root, logging.NewNopLogger())
	require.NoError(t, err)
	ref, err := second.Append(ctx, "abc", []byte("y"), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, ref.Index)

	refs, err := second.List(ctx, "abc")
	require.NoError(t, err)
	assert.Len(t, refs, 4)
	assert.Equal(t, filepath.Join(root, "abc", "chunk_000003"), second.Path(refs[3]))
}

func TestExtractChunkIndex(t *testing.T) {
	i, ok := extractChunkIndex("uploads/abc/chunk_000012")
	assert.True(t, ok)
	assert.Equal(t, 12, i)

	for _, key := range []string{"uploads/abc/other", "chunk_", "chunk_x1", "chunk_1/x", ".tmp-chunk_123.part"} {
		_, ok := extractChunkIndex(key)
		assert.False(t, ok, key)
	}
}

func TestMemorySessionStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySessionStore()
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.Get(ctx, "abc")
	assert.ErrorIs(t, err, apperror.ErrSessionNotFound)

	created, err := s.Touch(ctx, "abc", t0)
	require.NoError(t, err)
	assert.Equal(t, models.StateCollecting, created.State)
	assert.Equal(t, t0, created.CreatedAt)

	touched, err := s.Touch(ctx, "abc", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, t0, touched.CreatedAt)
	assert.Equal(t, t0.Add(time.Minute), touched.UpdatedAt)

	touched.State = models.StatePublished
	require.NoError(t, s.Put(ctx, *touched))
	got, err := s.Get(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, models.StatePublished, got.State)

	_, err = s.Touch(ctx, "fresh", t0.Add(time.Hour))
	require.NoError(t, err)

	stale, err := s.ListStale(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "abc", stale[0].Key)

	// published with staging gone: nothing left to sweep
	got.StagingPurged = true
	require.NoError(t, s.Put(ctx, *got))
	stale, err = s.ListStale(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	require.NoError(t, s.Delete(ctx, "abc"))
	require.NoError(t, s.Delete(ctx, "abc"))
	_, err = s.Get(ctx, "abc")
	assert.ErrorIs(t, err, apperror.ErrSessionNotFound)
}
