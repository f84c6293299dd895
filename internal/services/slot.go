package services

import "sync"

// slot holds one lazily built service. The recipe runs under the slot's
// mutex, so concurrent first callers share a single construction. A failed
// build leaves the slot empty.
type slot[T any] struct {
	mu    sync.Mutex
	value T
	set   bool
}

func (s *slot[T]) get(build func() (T, error)) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.set {
		return s.value, nil
	}
	v, err := build()
	if err != nil {
		var zero T
		return zero, err
	}
	s.value = v
	s.set = true
	return v, nil
}

// mustGet is get for recipes that cannot fail.
func (s *slot[T]) mustGet(build func() T) T {
	v, _ := s.get(func() (T, error) { return build(), nil })
	return v
}

// peek returns the held value without building one.
func (s *slot[T]) peek() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.set
}

func (s *slot[T]) filled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

func (s *slot[T]) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	s.value = zero
	s.set = false
}
