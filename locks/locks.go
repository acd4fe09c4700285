package locks

import (
	"context"
	"sync"

	"github.com/Yulian302/lfusys-services-recordings/health"
)

// Unlock releases a lock obtained from TryLock. Calling it more than once
// is harmless.
type Unlock func(ctx context.Context) error

// Locker grants exclusive ownership of a key without waiting.
type Locker interface {
	// TryLock returns ok=false when someone else holds key.
	TryLock(ctx context.Context, key string) (unlock Unlock, ok bool, err error)

	health.ReadinessCheck
}

// MemoryLocker serializes owners inside one process.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (l *MemoryLocker) TryLock(ctx context.Context, key string) (Unlock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, true, nil
}

func (l *MemoryLocker) IsReady(ctx context.Context) error { return nil }

func (l *MemoryLocker) Name() string { return "Locker[memory]" }
