package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryStore keeps blobs in process, keyed by full URL (e.g. mem://drafts/v1.pdf).
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Put stores a copy of data and returns its SHA-256.
func (m *MemoryStore) Put(rawURL string, data []byte) string {
	cp := append([]byte(nil), data...)
	m.mu.Lock()
	m.objects[rawURL] = cp
	m.mu.Unlock()
	sum, _ := HashSHA256(bytes.NewReader(cp))
	return sum
}

func (m *MemoryStore) Open(_ context.Context, rawURL string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[rawURL]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
