// Package recorder keeps the most recent value of something for inspection.
package recorder

import "sync"

// Recorder is a single-slot store. Concurrent writers race and the last one
// wins; readers always see a complete value.
type Recorder[T any] struct {
	mu   sync.Mutex
	last T
	set  bool
}

func New[T any]() *Recorder[T] {
	return &Recorder[T]{}
}

// Record replaces the held value.
func (r *Recorder[T]) Record(value T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = value
	r.set = true
}

// Last returns the held value, or false when nothing was recorded yet.
func (r *Recorder[T]) Last() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.set
}

func (r *Recorder[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	r.last = zero
	r.set = false
}
