// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pubsub

import "sync"

// Shared is a ref-counted stream. The source is started when the first
// subscriber arrives and stopped when the last one cancels. It may be
// started again by a later subscriber.
type Shared[T any] struct {
	mu    sync.Mutex
	start func(emit func(T)) (stop func())
	stop  func()
	out   *Broadcaster[T]
	refs  int
}

// NewShared creates a stream driven by start. start must return quickly; emit
// is safe to call from any goroutine until stop returns.
func NewShared[T any](start func(emit func(T)) (stop func())) *Shared[T] {
	return &Shared[T]{
		start: start,
		out:   NewBroadcaster[T](),
	}
}

// Subscribe attaches a subscriber, starting the source if needed.
func (s *Shared[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, cancel := s.out.Subscribe()
	s.refs++
	if s.refs == 1 {
		s.stop = s.start(s.out.Publish)
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cancel()
			s.release()
		})
	}
}

// Refs returns the number of active subscribers.
func (s *Shared[T]) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

func (s *Shared[T]) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refs--
	if s.refs > 0 {
		return
	}
	if s.stop != nil {
		s.stop()
		s.stop = nil
	}
}
