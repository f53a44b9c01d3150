// Package event provides synchronous in-process publish/subscribe streams.
package event

import (
	"sync"
	"sync/atomic"
)

// Stream delivers each emitted value to every subscriber before Emit
// returns. Subscribers run in subscription order on the emitting goroutine.
type Stream[T any] struct {
	mu   sync.RWMutex
	subs []subscriber[T]
	seq  atomic.Uint64
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once.
func (s *Stream[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	id := s.seq.Add(1)

	s.mu.Lock()
	s.subs = append(s.subs, subscriber[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Emit calls every current subscriber with v. Subscribers may subscribe or
// unsubscribe from inside the callback; changes apply to the next Emit.
func (s *Stream[T]) Emit(v T) {
	s.mu.RLock()
	snapshot := make([]subscriber[T], len(s.subs))
	copy(snapshot, s.subs)
	s.mu.RUnlock()

	for _, sub := range snapshot {
		sub.fn(v)
	}
}

// Len reports the number of subscribers.
func (s *Stream[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
