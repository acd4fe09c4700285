package media

import (
	"bytes"
	"context"
	"io"
	"os"
)

// Blob is a read-only media payload that can be opened any number of times.
// Reads through the returned stream are bound to the ctx given to Open.
type Blob interface {
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Pather is implemented by blobs that already live on the local filesystem,
// letting external tools read them in place.
type Pather interface {
	Path() string
}

type funcBlob struct {
	name string
	open func(ctx context.Context) (io.ReadCloser, error)
}

func (b funcBlob) Name() string { return b.name }

func (b funcBlob) Open(ctx context.Context) (io.ReadCloser, error) {
	return b.open(ctx)
}

func NewBlob(name string, open func(ctx context.Context) (io.ReadCloser, error)) Blob {
	return funcBlob{name: name, open: open}
}

type FileBlob string

func (f FileBlob) Name() string { return string(f) }
func (f FileBlob) Path() string { return string(f) }

func (f FileBlob) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(string(f))
}

type bytesBlob struct {
	name string
	data []byte
}

func (b bytesBlob) Name() string { return b.name }
func (b bytesBlob) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func BytesBlob(name string, data []byte) Blob {
	return bytesBlob{name: name, data: data}
}
