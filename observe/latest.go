// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/

// Package observe holds values that replay their latest state to new
// listeners.
package observe

import "sync"

// Latest keeps the last published value and a set of listeners. Subscribe
// delivers the current value (if any) synchronously before returning, then
// every later Publish in order. Deliveries for one Latest never overlap.
//
// Listeners run with the delivery lock held; they must not call Publish or
// Subscribe on the same Latest.
type Latest[T any] struct {
	deliver sync.Mutex

	mu        sync.Mutex
	last      T
	has       bool
	nextID    int
	listeners map[int]func(T)
	order     []int
}

// NewLatest returns a holder with no value yet.
func NewLatest[T any]() *Latest[T] {
	return &Latest[T]{listeners: make(map[int]func(T))}
}

// NewLatestWith returns a holder seeded with v.
func NewLatestWith[T any](v T) *Latest[T] {
	l := NewLatest[T]()
	l.last, l.has = v, true
	return l
}

// Value returns the last published value.
func (l *Latest[T]) Value() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.has
}

// Publish stores v and hands it to every listener.
func (l *Latest[T]) Publish(v T) {
	l.deliver.Lock()
	defer l.deliver.Unlock()

	l.mu.Lock()
	l.last, l.has = v, true
	fns := l.snapshot()
	l.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Subscribe registers fn and returns a function that removes it. Calling the
// returned function more than once is harmless.
func (l *Latest[T]) Subscribe(fn func(T)) (cancel func()) {
	l.deliver.Lock()
	defer l.deliver.Unlock()

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.order = append(l.order, id)
	last, has := l.last, l.has
	l.mu.Unlock()

	if has {
		fn(last)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.listeners, id)
			for i, v := range l.order {
				if v == id {
					l.order = append(l.order[:i], l.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Len reports how many listeners are registered.
func (l *Latest[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.listeners)
}

func (l *Latest[T]) snapshot() []func(T) {
	fns := make([]func(T), 0, len(l.order))
	for _, id := range l.order {
		fns = append(fns, l.listeners[id])
	}
	return fns
}
