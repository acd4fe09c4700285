package store

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/models"
)

type MemoryChunkStore struct {
	mu     sync.RWMutex
	chunks map[string]map[int][]byte
	slots  *slotTable
}

func NewMemoryChunkStore() *MemoryChunkStore {
	return &MemoryChunkStore{
		chunks: make(map[string]map[int][]byte),
		slots:  newSlotTable(),
	}
}

func (s *MemoryChunkStore) Append(ctx context.Context, sessionKey string, payload []byte, index *int) (models.ChunkRef, error) {
	if err := models.ValidateSessionKey(sessionKey); err != nil {
		return models.ChunkRef{}, err
	}

	data := make([]byte, len(payload))
	copy(data, payload)

	idx, err := s.slots.assign(ctx, sessionKey, index,
		func(ctx context.Context) (int, error) {
			refs, err := s.List(ctx, sessionKey)
			if apperror.IsKind(err, apperror.KindSessionNotFound) {
				return 0, nil
			}
			return nextIndex(refs), err
		},
		func(idx int) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.chunks[sessionKey] == nil {
				s.chunks[sessionKey] = make(map[int][]byte)
			}
			s.chunks[sessionKey][idx] = data
			return nil
		},
	)
	if err != nil {
		return models.ChunkRef{}, err
	}

	return models.ChunkRef{SessionKey: sessionKey, Index: idx, Size: int64(len(data))}, nil
}

func (s *MemoryChunkStore) List(ctx context.Context, sessionKey string) ([]models.ChunkRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks, ok := s.chunks[sessionKey]
	if !ok {
		return nil, apperror.SessionNotFound(sessionKey)
	}

	refs := make([]models.ChunkRef, 0, len(chunks))
	for idx, data := range chunks {
		refs = append(refs, models.ChunkRef{SessionKey: sessionKey, Index: idx, Size: int64(len(data))})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Index < refs[j].Index })
	return refs, nil
}

func (s *MemoryChunkStore) Open(ctx context.Context, ref models.ChunkRef) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.chunks[ref.SessionKey][ref.Index]
	if !ok {
		return nil, apperror.SessionNotFound(ref.SessionKey)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryChunkStore) Purge(ctx context.Context, sessionKey string) error {
	s.mu.Lock()
	delete(s.chunks, sessionKey)
	s.mu.Unlock()

	s.slots.forget(sessionKey)
	return nil
}

func (s *MemoryChunkStore) IsReady(ctx context.Context) error { return nil }

func (s *MemoryChunkStore) Name() string { return "ChunkStore[memory]" }

// MemorySessionStore is the single-process session registry.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]models.Session)}
}

func (s *MemorySessionStore) Get(ctx context.Context, sessionKey string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionKey]
	if !ok {
		return nil, apperror.SessionNotFound(sessionKey)
	}
	return &session, nil
}

func (s *MemorySessionStore) Touch(ctx context.Context, sessionKey string, now time.Time) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionKey]
	if !ok {
		session = models.NewSession(sessionKey, now)
	}
	session.UpdatedAt = now
	s.sessions[sessionKey] = session
	return &session, nil
}

func (s *MemorySessionStore) Put(ctx context.Context, session models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.Key] = session
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionKey)
	return nil
}

func (s *MemorySessionStore) ListStale(ctx context.Context, before time.Time) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []models.Session
	for _, session := range s.sessions {
		if session.UpdatedAt.Before(before) && !session.Settled() {
			stale = append(stale, session)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Key < stale[j].Key })
	return stale, nil
}

func (s *MemorySessionStore) IsReady(ctx context.Context) error { return nil }

func (s *MemorySessionStore) Name() string { return "SessionStore[memory]" }
