package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
)

// Prober reports the playable duration of a blob in seconds. Implementations
// must not modify the blob and return an UnreadableMedia error for anything
// they cannot parse.
type Prober interface {
	Probe(ctx context.Context, blob Blob) (float64, error)
}

// SniffingProber dispatches on the first bytes of the blob. Containers it
// does not recognise go to Fallback when one is set.
type SniffingProber struct {
	WAV      Prober
	MP3      Prober
	Fallback Prober
}

func NewSniffingProber(fallback Prober) *SniffingProber {
	return &SniffingProber{
		WAV:      WAVProber{},
		MP3:      MP3Prober{},
		Fallback: fallback,
	}
}

func (p *SniffingProber) Probe(ctx context.Context, blob Blob) (float64, error) {
	head, err := readHead(ctx, blob, sniffLen)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", blob.Name(), err)
	}

	switch Sniff(head) {
	case "wav":
		return p.WAV.Probe(ctx, blob)
	case "mp3":
		return p.MP3.Probe(ctx, blob)
	}
	if p.Fallback != nil {
		return p.Fallback.Probe(ctx, blob)
	}
	if len(head) == 0 {
		return 0, apperror.UnreadableMedia(blob.Name(), errors.New("empty payload"))
	}
	return 0, apperror.UnreadableMedia(blob.Name(), errors.New("unrecognised container"))
}

// NewProber builds the prober for the configured strategy: "native" sniffs
// WAV and MP3 in process, "ffmpeg" shells out to ffprobe for everything.
func NewProber(strategy, ffprobePath, scratchDir string) (Prober, error) {
	switch strategy {
	case "native", "":
		return NewSniffingProber(nil), nil
	case "ffmpeg":
		p := NewFFProbeProber(ffprobePath)
		p.TempDir = scratchDir
		return p, nil
	}
	return nil, fmt.Errorf("unknown prober strategy %q", strategy)
}

func readHead(ctx context.Context, blob Blob, n int) ([]byte, error) {
	rc, err := blob.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	head := make([]byte, n)
	read, err := io.ReadFull(rc, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return head[:read], nil
}

// localPath returns a filesystem path holding blob's bytes. When the blob
// is not already a file it is copied into dir, and cleanup removes the copy.
func localPath(ctx context.Context, blob Blob, dir string) (path string, cleanup func(), err error) {
	if p, ok := blob.(Pather); ok {
		return p.Path(), func() {}, nil
	}

	rc, err := blob.Open(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("failed to open %s: %w", blob.Name(), err)
	}
	defer rc.Close()

	f, err := os.CreateTemp(dir, "blob-*")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	cleanup = func() { os.Remove(f.Name()) }

	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("failed to copy %s: %w", blob.Name(), err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return f.Name(), cleanup, nil
}
