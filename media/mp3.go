package media

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
)

const (
	mpegVersion25 = 0
	mpegVersion2  = 2
	mpegVersion1  = 3

	layerIII = 1
	layerII  = 2
	layerI   = 3

	// resync gives up after this many bytes without a frame.
	maxJunkBytes = 64 * 1024
)

// kbps, indexed by bitrate index
var (
	bitratesV1L1  = [16]int{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448, 0}
	bitratesV1L2  = [16]int{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384, 0}
	bitratesV1L3  = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}
	bitratesV2L1  = [16]int{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256, 0}
	bitratesV2L23 = [16]int{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160, 0}

	sampleRates = map[int][3]int{
		mpegVersion1:  {44100, 48000, 32000},
		mpegVersion2:  {22050, 24000, 16000},
		mpegVersion25: {11025, 12000, 8000},
	}
)

type frameHeader struct {
	version    int
	layer      int
	bitrate    int // bits per second
	sampleRate int
	padding    int
}

func (h frameHeader) samples() int {
	switch {
	case h.layer == layerI:
		return 384
	case h.layer == layerII || h.version == mpegVersion1:
		return 1152
	default:
		return 576
	}
}

func (h frameHeader) length() int {
	switch {
	case h.layer == layerI:
		return (12*h.bitrate/h.sampleRate + h.padding) * 4
	case h.layer == layerIII && h.version != mpegVersion1:
		return 72*h.bitrate/h.sampleRate + h.padding
	default:
		return 144*h.bitrate/h.sampleRate + h.padding
	}
}

func (h frameHeader) duration() float64 {
	return float64(h.samples()) / float64(h.sampleRate)
}

// parseFrameHeader decodes a 4 byte MPEG audio frame header. Free format
// and reserved values are rejected.
func parseFrameHeader(b []byte) (frameHeader, bool) {
	if len(b) < 4 || b[0] != 0xFF || b[1]&0xE0 != 0xE0 {
		return frameHeader{}, false
	}
	version := int(b[1]>>3) & 0x03
	layer := int(b[1]>>1) & 0x03
	bitrateIdx := int(b[2]>>4) & 0x0F
	rateIdx := int(b[2]>>2) & 0x03
	padding := int(b[2]>>1) & 0x01

	if version == 1 || layer == 0 || rateIdx == 3 {
		return frameHeader{}, false
	}

	var table [16]int
	switch {
	case version == mpegVersion1 && layer == layerI:
		table = bitratesV1L1
	case version == mpegVersion1 && layer == layerII:
		table = bitratesV1L2
	case version == mpegVersion1:
		table = bitratesV1L3
	case layer == layerI:
		table = bitratesV2L1
	default:
		table = bitratesV2L23
	}
	kbps := table[bitrateIdx]
	if kbps == 0 {
		return frameHeader{}, false
	}

	return frameHeader{
		version:    version,
		layer:      layer,
		bitrate:    kbps * 1000,
		sampleRate: sampleRates[version][rateIdx],
		padding:    padding,
	}, true
}

// id3v2Size returns the full tag length from a 10 byte ID3v2 header. The
// size field is syncsafe; a footer adds another 10 bytes.
func id3v2Size(head []byte) int64 {
	size := int64(head[6]&0x7F)<<21 | int64(head[7]&0x7F)<<14 | int64(head[8]&0x7F)<<7 | int64(head[9]&0x7F)
	total := 10 + size
	if head[5]&0x10 != 0 {
		total += 10
	}
	return total
}

// skipID3v2 discards a leading ID3v2 tag if r starts with one.
func skipID3v2(r *bufio.Reader) (int64, error) {
	head, err := r.Peek(10)
	if err != nil || string(head[0:3]) != "ID3" {
		return 0, nil
	}
	total := id3v2Size(head)
	n, err := io.CopyN(io.Discard, r, total)
	if err != nil {
		return n, fmt.Errorf("truncated ID3v2 tag: %w", err)
	}
	return n, nil
}

type mp3Stats struct {
	frames   int
	duration float64
}

// scanMP3 walks every frame in r. Bytes between frames (tags, padding,
// garbage) are skipped one at a time until the next valid header.
func scanMP3(r io.Reader) (mp3Stats, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	if _, err := skipID3v2(br); err != nil {
		return mp3Stats{}, err
	}

	var (
		stats mp3Stats
		junk  int
	)
	for {
		head, err := br.Peek(4)
		if err != nil {
			break
		}
		h, ok := parseFrameHeader(head)
		if !ok {
			if stats.frames == 0 {
				junk++
				if junk > maxJunkBytes {
					return mp3Stats{}, errors.New("no MPEG audio frame found")
				}
			}
			if _, err := br.Discard(1); err != nil {
				break
			}
			continue
		}

		if _, err := br.Discard(h.length()); err != nil {
			// truncated final frame, not counted
			break
		}
		stats.frames++
		stats.duration += h.duration()
	}

	if stats.frames == 0 {
		return mp3Stats{}, errors.New("no MPEG audio frame found")
	}
	return stats, nil
}

// MP3Prober measures MPEG audio streams by summing frame durations.
type MP3Prober struct{}

func (MP3Prober) Probe(ctx context.Context, blob Blob) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rc, err := blob.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", blob.Name(), err)
	}
	defer rc.Close()

	stats, err := scanMP3(rc)
	if err != nil {
		return 0, apperror.UnreadableMedia(blob.Name(), err)
	}
	return stats.duration, nil
}
