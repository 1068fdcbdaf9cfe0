package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. It is the default when the host
// embeds the core without a durable directory (tests, previews) and the
// reference implementation for Box semantics.
type MemoryStore struct {
	mu    sync.RWMutex
	boxes map[string]*memoryBox
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{boxes: make(map[string]*memoryBox)}
}

// Box returns the named box, creating it if needed.
func (s *MemoryStore) Box(name string) (Box, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boxes[name]
	if !ok {
		b = &memoryBox{data: make(map[string][]byte)}
		s.boxes[name] = b
	}
	return b, nil
}

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close() error { return nil }

// Stats reports box sizes.
func (s *MemoryStore) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := map[string]interface{}{"backend": "memory", "boxes": len(s.boxes)}
	for name, b := range s.boxes {
		b.mu.RLock()
		stats["box:"+name] = len(b.data)
		b.mu.RUnlock()
	}
	return stats
}

type memoryBox struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func (b *memoryBox) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (b *memoryBox) Put(_ context.Context, key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	b.mu.Lock()
	b.data[key] = cp
	b.mu.Unlock()
	return nil
}

func (b *memoryBox) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.data, key)
	b.mu.Unlock()
	return nil
}

func (b *memoryBox) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func (b *memoryBox) Len(_ context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data), nil
}
