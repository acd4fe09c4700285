package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/Yulian302/lfusys-services-recordings/models"
)

// DiskChunkStore stages chunks as {root}/{sessionKey}/chunk_NNNNNN. Chunks
// are written to a temp file and renamed into place, so a reader never
// sees a partial chunk.
type DiskChunkStore struct {
	root   string
	slots  *slotTable
	logger logging.Logger
}

func NewDiskChunkStore(root string, l logging.Logger) (*DiskChunkStore, error) {
	if root == "" {
		return nil, errors.New("staging root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging root: %w", err)
	}
	return &DiskChunkStore{
		root:   root,
		slots:  newSlotTable(),
		logger: l,
	}, nil
}

func (s *DiskChunkStore) sessionDir(sessionKey string) string {
	return filepath.Join(s.root, sessionKey)
}

func (s *DiskChunkStore) Append(ctx context.Context, sessionKey string, payload []byte, index *int) (models.ChunkRef, error) {
	if err := models.ValidateSessionKey(sessionKey); err != nil {
		return models.ChunkRef{}, err
	}
	dir := s.sessionDir(sessionKey)

	var path string
	idx, err := s.slots.assign(ctx, sessionKey, index,
		func(ctx context.Context) (int, error) {
			refs, err := s.List(ctx, sessionKey)
			if apperror.IsKind(err, apperror.KindSessionNotFound) {
				return 0, nil
			}
			if len(refs) > 0 {
				s.logger.Info("recovered staged chunks", "session_key", sessionKey, "count", len(refs))
			}
			return nextIndex(refs), err
		},
		func(idx int) error {
			path = filepath.Join(dir, chunkName(idx))
			return writeFileAtomic(dir, path, payload)
		},
	)
	if err != nil {
		var appErr *apperror.Error
		if errors.As(err, &appErr) {
			return models.ChunkRef{}, err
		}
		s.logger.Error("failed to stage chunk", "session_key", sessionKey, "error", err)
		return models.ChunkRef{}, apperror.Wrap(apperror.KindInternal, "stage chunk", err)
	}

	return models.ChunkRef{
		SessionKey: sessionKey,
		Index:      idx,
		Size:       int64(len(payload)),
		Location:   path,
	}, nil
}

func writeFileAtomic(dir, path string, payload []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+chunkPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp chunk: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write chunk: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync chunk: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close chunk: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to commit chunk: %w", err)
	}
	return nil
}

func (s *DiskChunkStore) List(ctx context.Context, sessionKey string) ([]models.ChunkRef, error) {
	if err := models.ValidateSessionKey(sessionKey); err != nil {
		return nil, err
	}
	dir := s.sessionDir(sessionKey)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperror.SessionNotFound(sessionKey)
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "list chunks", err)
	}

	refs := make([]models.ChunkRef, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		idx, ok := extractChunkIndex(e.Name())
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, apperror.Wrap(apperror.KindInternal, "list chunks", err)
		}
		refs = append(refs, models.ChunkRef{
			SessionKey: sessionKey,
			Index:      idx,
			Size:       info.Size(),
			Location:   filepath.Join(dir, e.Name()),
		})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Index < refs[j].Index })
	return refs, nil
}

func (s *DiskChunkStore) Open(ctx context.Context, ref models.ChunkRef) (io.ReadCloser, error) {
	path := ref.Location
	if path == "" {
		path = filepath.Join(s.sessionDir(ref.SessionKey), chunkName(ref.Index))
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apperror.SessionNotFound(ref.SessionKey)
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "open chunk", err)
	}
	return f, nil
}

// Path exposes the chunk file so external tools can read it in place.
func (s *DiskChunkStore) Path(ref models.ChunkRef) string {
	if ref.Location != "" {
		return ref.Location
	}
	return filepath.Join(s.sessionDir(ref.SessionKey), chunkName(ref.Index))
}

func (s *DiskChunkStore) Purge(ctx context.Context, sessionKey string) error {
	if err := models.ValidateSessionKey(sessionKey); err != nil {
		return err
	}
	defer s.slots.forget(sessionKey)

	if err := os.RemoveAll(s.sessionDir(sessionKey)); err != nil {
		s.logger.Error("failed to purge staging", "session_key", sessionKey, "error", err)
		return apperror.Wrap(apperror.KindInternal, "purge chunks", err)
	}
	s.logger.Debug("purged staging", "session_key", sessionKey)
	return nil
}

func (s *DiskChunkStore) IsReady(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("staging root %s is not a directory", s.root)
	}
	return nil
}

func (s *DiskChunkStore) Name() string { return "ChunkStore[disk]" }
