package kvstore

import (
	"context"
	"sync"
)

// InMemoryStore is a process-local store for development and tests.
type InMemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{values: make(map[string]string)}
}

func (s *InMemoryStore) Save(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *InMemoryStore) Load(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
