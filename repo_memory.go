package main

import (
	"context"
	"sync"
)

type InMemoryRepo struct {
	sessions map[string]StoredSession
	mu       sync.RWMutex
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		sessions: make(map[string]StoredSession),
	}
}

func (r *InMemoryRepo) Load(ctx context.Context, poolID string) (StoredSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[poolID]
	if !ok {
		return StoredSession{}, ErrNotFound
	}
	return s, nil
}

func (r *InMemoryRepo) Save(ctx context.Context, s StoredSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.PoolID] = s
	return nil
}

func (r *InMemoryRepo) Clear(ctx context.Context, poolID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, poolID)
	return nil
}
