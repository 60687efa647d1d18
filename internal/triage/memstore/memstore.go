// Package memstore provides an in-memory implementation of triage.StateStore.
package memstore

import (
	"context"
	"sync"
)

// Store holds state documents in memory. Suitable for dev/testing; nothing
// survives a restart.
type Store struct {
	mu   sync.RWMutex
	docs map[string][]byte // document key -> JSON
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{docs: make(map[string][]byte)}
}

// Load returns a copy of the document stored under key.
func (s *Store) Load(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), doc...), true, nil
}

// Save stores a copy of doc under key, replacing any previous document.
func (s *Store) Save(_ context.Context, key string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[key] = append([]byte(nil), doc...)
	return nil
}
