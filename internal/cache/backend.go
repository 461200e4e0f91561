package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotImplemented   = errors.New("not implemented")
	ErrNotFound         = errors.New("cache key not found")
	ErrQuotaExceeded    = errors.New("cache quota exceeded")
	ErrWatchUnsupported = errors.New("cache backend does not support watching")
	ErrBackendClosed    = errors.New("cache backend is closed")
)

// Backend is a raw key-value surface. Implementations return ErrNotFound for
// missing keys.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

type backendCloser interface {
	Close() error
}

type InMemoryBackend struct {
	mu       sync.Mutex
	maxBytes int
	used     int
	entries  map[string][]byte
}

// NewInMemoryBackend returns a map-backed store. A positive maxBytes bounds
// the total stored payload size, mirroring browser storage quotas.
func NewInMemoryBackend(maxBytes int) *InMemoryBackend {
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &InMemoryBackend{
		maxBytes: maxBytes,
		entries:  map[string][]byte{},
	}
}

func (b *InMemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	if b == nil {
		return nil, ErrNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *InMemoryBackend) Set(_ context.Context, key string, value []byte) error {
	if b == nil || strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	used := b.used - len(b.entries[key]) + len(value)
	if b.maxBytes > 0 && used > b.maxBytes {
		return ErrQuotaExceeded
	}
	b.entries[key] = append([]byte(nil), value...)
	b.used = used
	return nil
}

func (b *InMemoryBackend) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
