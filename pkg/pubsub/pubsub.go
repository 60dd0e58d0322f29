// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pubsub provides an in-process multicast channel and a ref-counted
// derived stream built on top of it.
package pubsub

import "sync"

// Broadcaster delivers every published value to every current subscriber.
// Each subscriber gets its own unbounded FIFO so Publish never blocks and
// per-subscriber ordering matches publish order.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[*subscriber[T]]struct{}
	closed bool
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[*subscriber[T]]struct{})}
}

// Subscribe registers a new subscriber. The returned channel is closed once
// cancel is called or the broadcaster is closed. cancel is idempotent.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	s := newSubscriber[T]()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close()
		return s.out, func() {}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		_, ok := b.subs[s]
		delete(b.subs, s)
		b.mu.Unlock()
		if ok {
			s.close()
		}
	}
	return s.out, cancel
}

// Publish queues v for every subscriber.
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		s.push(v)
	}
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close removes every subscriber and rejects new ones.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*subscriber[T]]struct{})
	b.closed = true
	b.mu.Unlock()

	for s := range subs {
		s.close()
	}
}

type subscriber[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool
	out    chan T
	done   chan struct{}
}

func newSubscriber[T any]() *subscriber[T] {
	s := &subscriber[T]{
		out:  make(chan T),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, v)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// pump forwards queued values to out until the subscriber is closed.
// Values still queued at close are dropped.
func (s *subscriber[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.queue = nil
			s.mu.Unlock()
			return
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
