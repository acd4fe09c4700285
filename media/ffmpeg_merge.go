package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
)

// FFmpegMerger joins segments with ffmpeg's concat demuxer without
// re-encoding.
type FFmpegMerger struct {
	Bin    string
	Format Format
	// TempDir holds the concat list and copies of non-file blobs.
	TempDir string
}

func NewFFmpegMerger(bin string, format Format) *FFmpegMerger {
	if strings.TrimSpace(bin) == "" {
		bin = "ffmpeg"
	}
	return &FFmpegMerger{Bin: bin, Format: format}
}

func (m *FFmpegMerger) Merge(ctx context.Context, segments []Segment, outPath string) error {
	var cleanups []func()
	defer func() {
		for _, c := range cleanups {
			c()
		}
	}()

	var list strings.Builder
	for _, seg := range segments {
		path, cleanup, err := localPath(ctx, seg.Blob, m.TempDir)
		if err != nil {
			return err
		}
		cleanups = append(cleanups, cleanup)
		fmt.Fprintf(&list, "file '%s'\n", strings.ReplaceAll(path, "'", `'\''`))
	}

	listFile, err := os.CreateTemp(m.TempDir, "concat-*.txt")
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	cleanups = append(cleanups, func() { os.Remove(listFile.Name()) })
	if _, err := listFile.WriteString(list.String()); err != nil {
		listFile.Close()
		return fmt.Errorf("failed to write concat list: %w", err)
	}
	if err := listFile.Close(); err != nil {
		return err
	}

	// #nosec G204 -- Bin comes from configuration
	cmd := exec.CommandContext(ctx, m.Bin,
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "concat", "-safe", "0",
		"-i", listFile.Name(),
		"-c", "copy",
		"-f", m.Format.muxer,
		outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return apperror.UnreadableMedia("concat", fmt.Errorf("ffmpeg: %s", strings.TrimSpace(stderr.String())))
		}
		return fmt.Errorf("failed to run ffmpeg: %w", err)
	}
	return nil
}
