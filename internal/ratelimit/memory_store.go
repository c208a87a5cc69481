package ratelimit

import (
	"context"
	"sync"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/ports"
)

// MemoryStore is an in-process WindowStore for single-process runs and tests.
type MemoryStore struct {
	mu     sync.Mutex
	window domain.RateWindow
	found  bool
}

var _ ports.WindowStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (domain.RateWindow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.found {
		return domain.RateWindow{}, false, nil
	}
	return s.window.Clone(), true, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, expected int64, next domain.RateWindow) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if s.found {
		current = s.window.Version
	}
	if current != expected {
		return false, nil
	}
	s.window = next.Clone()
	s.found = true
	return true, nil
}
