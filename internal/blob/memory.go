package blob

import (
	"sync"
)

// MemoryStore is an in-process Store used by tests and dev mode.
type MemoryStore struct {
	mu      sync.RWMutex
	baseURL string
	blobs   map[string][]byte
	types   map[string]string

	// FailPuts forces Put to fail with ErrTransient while > 0, decrementing
	// per call. Lets tests exercise the transient-failure path.
	FailPuts int
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		baseURL: baseURL,
		blobs:   make(map[string][]byte),
		types:   make(map[string]string),
	}
}

func (s *MemoryStore) Put(key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPuts > 0 {
		s.FailPuts--
		return "", ErrTransient
	}
	if _, ok := s.blobs[key]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[key] = cp
		s.types[key] = contentType
	}
	return s.baseURL + "/" + keyPath("", key, s.types[key]), nil
}

func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[key]
	return ok, nil
}

// Len reports the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
