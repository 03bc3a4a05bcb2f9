package storage

import (
	"context"
	"sync"
)

type memoryDoc struct {
	content string
	version int
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	// AutoCreate makes unknown documents load as empty instead of failing
	// with ErrNotFound.
	AutoCreate bool

	mu   sync.RWMutex
	docs map[string]memoryDoc
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]memoryDoc)}
}

// Seed installs initial content for a document.
func (m *MemoryStore) Seed(docID, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docID] = memoryDoc{content: content}
}

func (m *MemoryStore) LoadInitialContent(ctx context.Context, docID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[docID]
	if !ok {
		if m.AutoCreate {
			return "", nil
		}
		return "", ErrNotFound
	}
	return d.content, nil
}

func (m *MemoryStore) Persist(ctx context.Context, docID string, content string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[docID] = memoryDoc{content: content, version: version}
	return nil
}

// Content returns what the store currently holds for a document.
func (m *MemoryStore) Content(docID string) (string, int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[docID]
	return d.content, d.version, ok
}
