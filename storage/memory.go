package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-recordings/apperror"
	"github.com/Yulian302/lfusys-services-recordings/models"
)

// MemoryPublisher keeps objects in process. SetOutage makes every call
// fail as if the backend were down.
type MemoryPublisher struct {
	mu      sync.RWMutex
	bucket  string
	objects map[string]memoryObject
	outage  error
}

type memoryObject struct {
	data        []byte
	contentType string
}

func NewMemoryPublisher(bucket string) *MemoryPublisher {
	return &MemoryPublisher{
		bucket:  bucket,
		objects: make(map[string]memoryObject),
	}
}

// SetOutage makes subsequent calls fail with err; nil restores service.
func (p *MemoryPublisher) SetOutage(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outage = err
}

func (p *MemoryPublisher) down(op string) error {
	if p.outage != nil {
		return apperror.StorageUnavailable(op, p.outage)
	}
	return nil
}

func (p *MemoryPublisher) Publish(ctx context.Context, artifact models.MergedArtifact, key string) (models.StorageObject, error) {
	if err := ctx.Err(); err != nil {
		return models.StorageObject{}, classify("publish", err, "")
	}
	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		return models.StorageObject{}, fmt.Errorf("failed to read artifact: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.down("publish"); err != nil {
		return models.StorageObject{}, err
	}
	p.objects[key] = memoryObject{data: data, contentType: artifact.ContentType}

	return models.StorageObject{
		Bucket:      p.bucket,
		Key:         key,
		ContentType: artifact.ContentType,
		Size:        int64(len(data)),
	}, nil
}

func (p *MemoryPublisher) IssueAccess(ctx context.Context, obj models.StorageObject, ttl time.Duration) (models.AccessGrant, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.down("issue access"); err != nil {
		return models.AccessGrant{}, err
	}

	expires := time.Now().Add(ttl)
	u := url.URL{
		Scheme:   "memory",
		Host:     p.bucket,
		Path:     "/" + obj.Key,
		RawQuery: url.Values{"expires": {fmt.Sprint(expires.Unix())}}.Encode(),
	}
	return models.AccessGrant{URL: u.String(), ExpiresAt: expires}, nil
}

func (p *MemoryPublisher) Remove(ctx context.Context, key string) (models.RemoveOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.down("remove"); err != nil {
		return "", err
	}

	if _, ok := p.objects[key]; !ok {
		return models.RemoveOutcomeNotFound, nil
	}
	delete(p.objects, key)
	return models.RemoveOutcomeRemoved, nil
}

// Object returns a copy of a stored object's bytes.
func (p *MemoryPublisher) Object(key string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	obj, ok := p.objects[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), obj.data...), true
}

func (p *MemoryPublisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.objects)
}

func (p *MemoryPublisher) IsReady(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.down("ready")
}

func (p *MemoryPublisher) Name() string { return "Publisher[memory]" }
