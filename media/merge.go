package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/logging"
	"github.com/Yulian302/lfusys-services-recordings/models"
)

// Segment is one chunk handed to a merger, in index order.
type Segment struct {
	Index int
	Blob  Blob
}

// Merger concatenates segments into outPath. Implementations must write
// nothing anywhere except outPath.
type Merger interface {
	Merge(ctx context.Context, segments []Segment, outPath string) error
}

// NewMerger selects the merge strategy for the output format. scratchDir
// receives any intermediate files the strategy needs.
func NewMerger(strategy string, format Format, ffmpegPath, scratchDir string) (Merger, error) {
	switch strategy {
	case "native", "":
		switch format.Name {
		case FormatWAV.Name:
			return WAVMerger{}, nil
		case FormatMP3.Name:
			return MP3Merger{}, nil
		}
		return nil, fmt.Errorf("no native merger for %q", format.Name)
	case "ffmpeg":
		m := NewFFmpegMerger(ffmpegPath, format)
		m.TempDir = scratchDir
		return m, nil
	}
	return nil, fmt.Errorf("unknown merger strategy %q", strategy)
}

// CheckContiguous verifies indices cover 0..n-1 exactly once. The error
// names the lowest missing index.
func CheckContiguous(sessionKey string, indices []int) error {
	if len(indices) == 0 {
		return apperror.EmptySession(sessionKey)
	}
	present := make(map[int]struct{}, len(indices))
	highest := 0
	for _, i := range indices {
		present[i] = struct{}{}
		if i > highest {
			highest = i
		}
	}
	for i := 0; i <= highest; i++ {
		if _, ok := present[i]; !ok {
			return apperror.NonContiguousChunks(sessionKey, i)
		}
	}
	return nil
}

// Engine runs a Merger over a session's chunks and owns the scratch file
// the result lands in.
type Engine struct {
	merger     Merger
	format     Format
	scratchDir string
	logger     logging.Logger
}

func NewEngine(merger Merger, format Format, scratchDir string, logger logging.Logger) *Engine {
	return &Engine{
		merger:     merger,
		format:     format,
		scratchDir: scratchDir,
		logger:     logger,
	}
}

func (e *Engine) Format() Format { return e.format }

// Merge writes the concatenation of segments to a fresh scratch file. On
// failure the scratch file is removed and no artifact is returned. The
// caller removes the artifact once it has been published.
func (e *Engine) Merge(ctx context.Context, sessionKey string, segments []Segment) (*models.MergedArtifact, error) {
	if len(segments) == 0 {
		return nil, apperror.EmptySession(sessionKey)
	}

	ordered := make([]Segment, len(segments))
	copy(ordered, segments)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	indices := make([]int, len(ordered))
	for i, s := range ordered {
		indices[i] = s.Index
	}
	if err := CheckContiguous(sessionKey, indices); err != nil {
		return nil, err
	}

	out, err := os.CreateTemp(e.scratchDir, "merge-"+sessionKey+"-*"+e.format.Extension)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "merge", fmt.Errorf("failed to create scratch file: %w", err))
	}
	outPath := out.Name()
	out.Close()

	ok := false
	defer func() {
		if !ok {
			if rmErr := os.Remove(outPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				e.logger.Warn("failed to remove scratch file", "path", outPath, "error", rmErr)
			}
		}
	}()

	if err := e.merger.Merge(ctx, ordered, outPath); err != nil {
		return nil, classifyMergeError(sessionKey, err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "merge", err)
	}

	ok = true
	e.logger.Debug("merged chunks", "session_key", sessionKey, "chunks", len(ordered), "bytes", info.Size())
	return &models.MergedArtifact{
		SessionKey:  sessionKey,
		Path:        outPath,
		Size:        info.Size(),
		ContentType: e.format.ContentType,
		Extension:   e.format.Extension,
	}, nil
}

func classifyMergeError(sessionKey string, err error) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		if appErr.SessionKey == "" {
			appErr.SessionKey = sessionKey
		}
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperror.DeadlineExceeded("merge", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	e := apperror.Wrap(apperror.KindInternal, "merge", err)
	e.SessionKey = sessionKey
	return e
}
