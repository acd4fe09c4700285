package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
)

// WAVMerger splices the data chunks of WAV segments under a single
// canonical header. Every segment must share the first segment's format.
type WAVMerger struct{}

func (WAVMerger) Merge(ctx context.Context, segments []Segment, outPath string) error {
	out, err := os.OpenFile(outPath, os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}
	defer out.Close()

	var (
		format wavFormat
		total  int64
	)
	// placeholder, patched once the data size is known
	if err := writeWAVHeader(out, wavFormat{}, 0); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, f, err := appendWAVData(ctx, out, seg.Blob)
		if err != nil {
			return err
		}
		if i == 0 {
			format = f
		} else if f != format {
			return apperror.UnreadableMedia(seg.Blob.Name(),
				fmt.Errorf("format %+v differs from first chunk %+v", f, format))
		}

		// drop a trailing partial sample frame so the next chunk stays aligned
		if rem := n % int64(f.BlockAlign); rem != 0 {
			n -= rem
			if err := out.Truncate(canonicalHeaderSize + total + n); err != nil {
				return fmt.Errorf("failed to truncate output: %w", err)
			}
			if _, err := out.Seek(0, io.SeekEnd); err != nil {
				return fmt.Errorf("failed to seek output: %w", err)
			}
		}
		total += n
		if total > maxRIFFDataSize {
			return errors.New("merged WAV exceeds the 4 GiB RIFF limit")
		}
	}

	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek output: %w", err)
	}
	if err := writeWAVHeader(out, format, uint32(total)); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return out.Sync()
}

func appendWAVData(ctx context.Context, w io.Writer, blob Blob) (int64, wavFormat, error) {
	rc, err := blob.Open(ctx)
	if err != nil {
		return 0, wavFormat{}, fmt.Errorf("failed to open %s: %w", blob.Name(), err)
	}
	defer rc.Close()

	h, err := readWAVHeader(rc)
	if err != nil {
		return 0, wavFormat{}, apperror.UnreadableMedia(blob.Name(), err)
	}
	switch h.Format.AudioFormat {
	case wavFormatPCM, wavFormatIEEEFloat:
	default:
		return 0, wavFormat{}, apperror.UnreadableMedia(blob.Name(),
			fmt.Errorf("unsupported WAV encoding 0x%04x", h.Format.AudioFormat))
	}

	var r io.Reader = rc
	if h.sizeKnown() {
		r = io.LimitReader(rc, int64(h.DataSize))
	}
	n, err := io.Copy(w, r)
	if err != nil {
		return n, wavFormat{}, fmt.Errorf("failed to copy %s: %w", blob.Name(), err)
	}
	return n, h.Format, nil
}
