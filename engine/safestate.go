package engine

import (
	"sync"
)

// SafeState publishes a value written by the reactor to readers on other
// goroutines.
type SafeState[T comparable] struct {
	value T
	mu    sync.RWMutex
}

func NewSafeState[T comparable](initialValue T) *SafeState[T] {
	return &SafeState[T]{
		value: initialValue,
	}
}

// Set stores newState and reports whether it differs from the old value.
func (s *SafeState[T]) Set(newState T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.value != newState
	s.value = newState
	return changed
}

func (s *SafeState[T]) Get() T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}
