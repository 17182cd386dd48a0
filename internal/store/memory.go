package store

import (
	"context"
	"sort"
	"sync"
)

type memoryKV struct {
	mu      sync.RWMutex
	buckets map[string]map[string][]byte
}

// NewMemoryStore returns a Store that keeps records in process memory.
func NewMemoryStore() Store {
	m := &memoryKV{buckets: make(map[string]map[string][]byte)}
	for _, b := range allBuckets {
		m.buckets[b] = make(map[string][]byte)
	}
	return newKVStore("memory", m)
}

func (m *memoryKV) put(_ context.Context, bucket, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[bucket][key] = append([]byte(nil), value...)
	return nil
}

func (m *memoryKV) get(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.buckets[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *memoryKV) del(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets[bucket], key)
	return nil
}

func (m *memoryKV) list(_ context.Context, bucket string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.buckets[bucket]))
	for k := range m.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, append([]byte(nil), m.buckets[bucket][k]...))
	}
	return out, nil
}

func (m *memoryKV) close() error { return nil }
