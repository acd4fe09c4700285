package store

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/health"
	"github.com/Yulian302/lfusys-services-recordings/models"
)

// ChunkStore stages the chunks of sessions that have not been merged yet.
type ChunkStore interface {
	// Append stores payload as the next chunk of the session, or at index
	// when one is given. Re-sending an index replaces that chunk.
	Append(ctx context.Context, sessionKey string, payload []byte, index *int) (models.ChunkRef, error)
	// List returns the staged chunks ordered by index. It fails with
	// SessionNotFound when the session has no staging area.
	List(ctx context.Context, sessionKey string) ([]models.ChunkRef, error)
	Open(ctx context.Context, ref models.ChunkRef) (io.ReadCloser, error)
	// Purge drops the staging area. Purging a missing session is a no-op.
	Purge(ctx context.Context, sessionKey string) error

	health.ReadinessCheck
}

// SessionStore keeps the lifecycle record of each session.
type SessionStore interface {
	Get(ctx context.Context, sessionKey string) (*models.Session, error)
	// Touch creates a collecting session or bumps UpdatedAt of an existing one.
	Touch(ctx context.Context, sessionKey string, now time.Time) (*models.Session, error)
	Put(ctx context.Context, session models.Session) error
	Delete(ctx context.Context, sessionKey string) error
	// ListStale returns sessions not updated since before, leaving out
	// settled ones.
	ListStale(ctx context.Context, before time.Time) ([]models.Session, error)

	health.ReadinessCheck
}

const chunkPrefix = "chunk_"

func chunkName(index int) string {
	return fmt.Sprintf("%s%06d", chunkPrefix, index)
}

// extractChunkIndex parses the index out of a chunk object key or file
// name, e.g. uploads/{sessionKey}/chunk_000003.
func extractChunkIndex(key string) (int, bool) {
	pos := strings.LastIndex(key, chunkPrefix)
	if pos < 0 {
		return 0, false
	}
	rest := key[pos+len(chunkPrefix):]
	if rest == "" || strings.ContainsAny(rest, "/.") {
		return 0, false
	}
	i, err := strconv.Atoi(rest)
	if err != nil || i < 0 {
		return 0, false
	}
	return i, true
}

// slot owns index assignment for one session.
type slot struct {
	mu     sync.Mutex
	loaded bool
	next   int
}

// slotTable hands out per-session slots. Its own mutex is held only to find
// or create a slot, so sessions never contend with each other.
type slotTable struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func newSlotTable() *slotTable {
	return &slotTable{slots: make(map[string]*slot)}
}

func (t *slotTable) get(sessionKey string) *slot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.slots[sessionKey]
	if !ok {
		s = &slot{}
		t.slots[sessionKey] = s
	}
	return s
}

// forget drops the slot so the next append reloads from the backend.
func (t *slotTable) forget(sessionKey string) {
	t.mu.Lock()
	s, ok := t.slots[sessionKey]
	delete(t.slots, sessionKey)
	t.mu.Unlock()

	if ok {
		s.mu.Lock()
		s.loaded = false
		s.mu.Unlock()
	}
}

// assign picks the index for an append and runs write while holding the
// session's slot, so concurrent appends always get distinct indices and a
// failed write never leaves a gap. load reports the next free index from
// the backend and runs once per slot.
func (t *slotTable) assign(
	ctx context.Context,
	sessionKey string,
	index *int,
	load func(ctx context.Context) (int, error),
	write func(index int) error,
) (int, error) {
	if index != nil && *index < 0 {
		return 0, apperror.InvalidChunk(sessionKey, fmt.Sprintf("chunk index %d is negative", *index))
	}

	s := t.get(sessionKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		next, err := load(ctx)
		if err != nil {
			return 0, err
		}
		s.next = next
		s.loaded = true
	}

	idx := s.next
	if index != nil {
		idx = *index
	}
	if err := write(idx); err != nil {
		return 0, err
	}
	if idx >= s.next {
		s.next = idx + 1
	}
	return idx, nil
}

func nextIndex(refs []models.ChunkRef) int {
	next := 0
	for _, r := range refs {
		if r.Index >= next {
			next = r.Index + 1
		}
	}
	return next
}
