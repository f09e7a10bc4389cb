package ratelimit

import (
	"context"
	"sync"

	"github.com/goliatone/go-stkpush/core"
)

type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[core.RateLimitKey]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: map[core.RateLimitKey]State{}}
}

func (s *MemoryStateStore) Get(_ context.Context, key core.RateLimitKey) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[key.Normalize()]
	if !ok {
		return State{}, ErrStateNotFound
	}
	return state.Clone(), nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, state State) error {
	state = state.Clone()
	state.Key = state.Key.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Key] = state
	return nil
}
