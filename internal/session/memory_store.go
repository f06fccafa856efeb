package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[ThreadKey]ThreadSession
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[ThreadKey]ThreadSession)}
}

func (s *MemoryStore) LoadSessions(_ context.Context) ([]ThreadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}

	out := make([]ThreadSession, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, rec ThreadSession) error {
	if err := rec.Key.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	s.sessions[rec.Key] = rec
	return nil
}

func (s *MemoryStore) DeleteSessions(_ context.Context, keys []ThreadKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	for _, key := range keys {
		delete(s.sessions, key)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
