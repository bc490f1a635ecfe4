// Package alloc accounts for the memory the loader core owns.
//
// Go values come from the regular heap, but every owned array (scope
// arrays, scratch arrays, index segments, relocation dependency lists) is
// reserved through an Allocator first, so that allocation failure can be
// injected and leaks can be observed.
package alloc

import (
	"errors"
	"sync"
)

// ErrNoMemory is returned when a reservation cannot be satisfied.
var ErrNoMemory = errors.New("cannot allocate memory")

// Allocator reserves and releases element counts for a named kind of array.
type Allocator interface {
	Reserve(kind string, n int) error
	Release(kind string, n int)
}

// Heap never fails and keeps per kind counters.
type Heap struct {
	mu   sync.Mutex
	live map[string]int
}

// NewHeap create a counting allocator.
func NewHeap() *Heap {
	return &Heap{live: make(map[string]int)}
}

func (h *Heap) Reserve(kind string, n int) error {
	h.mu.Lock()
	h.live[kind] += n
	h.mu.Unlock()
	return nil
}

func (h *Heap) Release(kind string, n int) {
	h.mu.Lock()
	h.live[kind] -= n
	h.mu.Unlock()
}

// Live reports the elements of kind currently reserved.
func (h *Heap) Live(kind string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live[kind]
}

// Limit wraps another Allocator and fails reservations of a kind once
// the configured budget is exhausted. A kind without a budget is unlimited.
type Limit struct {
	Allocator
	mu     sync.Mutex
	budget map[string]int
}

// NewLimit create a Limit over next.
func NewLimit(next Allocator) *Limit {
	return &Limit{Allocator: next, budget: make(map[string]int)}
}

// Set the remaining budget of kind. A negative value removes the limit.
func (l *Limit) Set(kind string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < 0 {
		delete(l.budget, kind)
		return
	}
	l.budget[kind] = n
}

func (l *Limit) Reserve(kind string, n int) error {
	l.mu.Lock()
	if b, ok := l.budget[kind]; ok {
		if b < n {
			l.mu.Unlock()
			return ErrNoMemory
		}
		l.budget[kind] = b - n
	}
	l.mu.Unlock()
	return l.Allocator.Reserve(kind, n)
}
