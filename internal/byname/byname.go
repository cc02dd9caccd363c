package byname

import (
	"slices"
	"sync"
)

// Store is a generic thread-safe name-keyed object store.
// It backs the filter registry.
type Store[T any] struct {
	items map[string]T
	mu    sync.RWMutex
}

// New creates a new Store.
func New[T any]() *Store[T] {
	return &Store[T]{}
}

// Put stores an item under name, replacing any existing one.
func (s *Store[T]) Put(name string, item T) {
	s.mu.Lock()
	if s.items == nil {
		s.items = make(map[string]T)
	}
	s.items[name] = item
	s.mu.Unlock()
}

// PutIfAbsent stores item only if name is unused. It reports whether the item was stored.
func (s *Store[T]) PutIfAbsent(name string, item T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[name]; exists {
		return false
	}
	if s.items == nil {
		s.items = make(map[string]T)
	}
	s.items[name] = item
	return true
}

// Get retrieves the item stored under name.
func (s *Store[T]) Get(name string) (_ T, ok bool) {
	s.mu.RLock()
	v, ok := s.items[name]
	s.mu.RUnlock()
	return v, ok
}

// Delete removes name and returns the removed item, if any.
func (s *Store[T]) Delete(name string) (_ T, ok bool) {
	s.mu.Lock()
	v, ok := s.items[name]
	delete(s.items, name)
	s.mu.Unlock()
	return v, ok
}

// Names returns all stored names in sorted order.
func (s *Store[T]) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.items))
	for name := range s.items {
		names = append(names, name)
	}
	s.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Range iterates over all items. Return false from fn to stop early.
func (s *Store[T]) Range(fn func(name string, item T) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, item := range s.items {
		if !fn(name, item) {
			break
		}
	}
}

// Len returns the number of stored items.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
