package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
)

const (
	wavFormatPCM       = 1
	wavFormatIEEEFloat = 3

	canonicalHeaderSize = 44
	maxRIFFDataSize     = 0xFFFFFFFF - (canonicalHeaderSize - 8)
	unknownDataSize     = 0xFFFFFFFF
)

// wavFormat mirrors the 16 byte body of a "fmt " chunk.
type wavFormat struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

func (f wavFormat) validate() error {
	if f.SampleRate == 0 {
		return errors.New("invalid sample rate: 0")
	}
	if f.NumChannels == 0 {
		return errors.New("invalid channel count: 0")
	}
	if f.BlockAlign == 0 {
		return errors.New("invalid block align: 0")
	}
	return nil
}

type wavHeader struct {
	Format wavFormat
	// DataSize as declared by the data chunk; may be 0 or 0xFFFFFFFF for
	// streams that were never finalised.
	DataSize uint32
}

func (h wavHeader) sizeKnown() bool {
	return h.DataSize != 0 && h.DataSize != unknownDataSize
}

// readWAVHeader consumes r up to the first byte of the data chunk.
func readWAVHeader(r io.Reader) (wavHeader, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return wavHeader{}, fmt.Errorf("WAV data too short: %w", err)
	}
	if string(riff[0:4]) != "RIFF" {
		return wavHeader{}, errors.New("invalid WAV file: missing RIFF header")
	}
	if string(riff[8:12]) != "WAVE" {
		return wavHeader{}, errors.New("invalid WAV file: missing WAVE format")
	}

	var (
		h       wavHeader
		haveFmt bool
		chunk   [8]byte
	)
	for {
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return wavHeader{}, errors.New("invalid WAV file: missing data chunk")
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return wavHeader{}, fmt.Errorf("invalid WAV file: fmt chunk of %d bytes", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return wavHeader{}, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			if err := binary.Read(bytes.NewReader(body[:16]), binary.LittleEndian, &h.Format); err != nil {
				return wavHeader{}, fmt.Errorf("failed to decode fmt chunk: %w", err)
			}
			if err := h.Format.validate(); err != nil {
				return wavHeader{}, err
			}
			haveFmt = true
			if size%2 == 1 {
				if _, err := io.CopyN(io.Discard, r, 1); err != nil {
					return wavHeader{}, err
				}
			}
		case "data":
			if !haveFmt {
				return wavHeader{}, errors.New("invalid WAV file: data chunk before fmt chunk")
			}
			h.DataSize = size
			return h, nil
		default:
			skip := int64(size) + int64(size%2)
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return wavHeader{}, fmt.Errorf("invalid WAV file: truncated %q chunk", id)
			}
		}
	}
}

func writeWAVHeader(w io.Writer, f wavFormat, dataSize uint32) error {
	var buf [canonicalHeaderSize]byte
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], 36+dataSize)
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], f.AudioFormat)
	binary.LittleEndian.PutUint16(buf[22:24], f.NumChannels)
	binary.LittleEndian.PutUint32(buf[24:28], f.SampleRate)
	binary.LittleEndian.PutUint32(buf[28:32], f.ByteRate)
	binary.LittleEndian.PutUint16(buf[32:34], f.BlockAlign)
	binary.LittleEndian.PutUint16(buf[34:36], f.BitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], dataSize)
	_, err := w.Write(buf[:])
	return err
}

// EncodeWAV encodes mono PCM-16 samples into a canonical WAV file.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	f := wavFormat{
		AudioFormat:   wavFormatPCM,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
	}
	dataSize := uint32(len(samples) * 2)

	buf := bytes.NewBuffer(make([]byte, 0, canonicalHeaderSize+int(dataSize)))
	if err := writeWAVHeader(buf, f, dataSize); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	return buf.Bytes(), nil
}

// wavDuration reads the rest of r as data chunk payload and returns the
// playable duration. Truncated payloads count only the bytes present.
func wavDuration(h wavHeader, r io.Reader) (float64, error) {
	var (
		n   int64
		err error
	)
	if h.sizeKnown() {
		n, err = io.CopyN(io.Discard, r, int64(h.DataSize))
		if errors.Is(err, io.EOF) {
			err = nil
		}
	} else {
		n, err = io.Copy(io.Discard, r)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read audio data: %w", err)
	}

	frames := n / int64(h.Format.BlockAlign)
	return float64(frames) / float64(h.Format.SampleRate), nil
}

// WAVProber measures RIFF/WAVE blobs without decoding samples.
type WAVProber struct{}

func (WAVProber) Probe(ctx context.Context, blob Blob) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	rc, err := blob.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", blob.Name(), err)
	}
	defer rc.Close()

	h, err := readWAVHeader(rc)
	if err != nil {
		return 0, apperror.UnreadableMedia(blob.Name(), err)
	}
	d, err := wavDuration(h, rc)
	if err != nil {
		return 0, apperror.UnreadableMedia(blob.Name(), err)
	}
	return d, nil
}
