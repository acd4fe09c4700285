package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
)

// MP3Merger concatenates MPEG audio frames. The first segment keeps its
// ID3v2 tag; tags and stray bytes of later segments are dropped so the
// output is one continuous frame stream.
type MP3Merger struct{}

func (MP3Merger) Merge(ctx context.Context, segments []Segment, outPath string) error {
	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}
	defer out.Close()

	w := bufio.NewWriterSize(out, 64*1024)
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := appendMP3Frames(ctx, w, seg.Blob, i == 0); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return out.Sync()
}

func appendMP3Frames(ctx context.Context, w io.Writer, blob Blob, keepTag bool) error {
	rc, err := blob.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", blob.Name(), err)
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, 64*1024)
	if keepTag {
		if err := copyID3v2(w, br); err != nil {
			return apperror.UnreadableMedia(blob.Name(), err)
		}
	} else if _, err := skipID3v2(br); err != nil {
		return apperror.UnreadableMedia(blob.Name(), err)
	}

	frames := 0
	for {
		head, err := br.Peek(4)
		if err != nil {
			break
		}
		h, ok := parseFrameHeader(head)
		if !ok {
			if _, err := br.Discard(1); err != nil {
				break
			}
			continue
		}
		frame, err := br.Peek(h.length())
		if err != nil {
			// a trailing partial frame is dropped, its header would
			// swallow the first frame of the next segment
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read %s: %w", blob.Name(), err)
		}
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("failed to copy %s: %w", blob.Name(), err)
		}
		if _, err := br.Discard(len(frame)); err != nil {
			return fmt.Errorf("failed to read %s: %w", blob.Name(), err)
		}
		frames++
	}
	if frames == 0 {
		return apperror.UnreadableMedia(blob.Name(), errors.New("no MPEG audio frame found"))
	}
	return nil
}

func copyID3v2(w io.Writer, br *bufio.Reader) error {
	head, err := br.Peek(10)
	if err != nil || string(head[0:3]) != "ID3" {
		return nil
	}
	total := id3v2Size(head)
	if _, err := io.CopyN(w, br, total); err != nil {
		return fmt.Errorf("truncated ID3v2 tag: %w", err)
	}
	return nil
}
