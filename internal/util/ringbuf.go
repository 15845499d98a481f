package util

import "sync"

// RingBuffer keeps the last N pushed items. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	start int
	n     int
}

// NewRingBuffer returns a buffer holding at most size items.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size < 1 {
		size = 1
	}
	return &RingBuffer[T]{buf: make([]T, size)}
}

// Push adds v, dropping the oldest item when full.
func (r *RingBuffer[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[(r.start+r.n)%len(r.buf)] = v
	if r.n < len(r.buf) {
		r.n++
		return
	}
	r.start = (r.start + 1) % len(r.buf)
}

// Snapshot copies the items out, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	return r.Select(nil, 0)
}

// Select returns the newest limit items accepted by keep, oldest first.
// A nil keep accepts everything; limit <= 0 means no limit.
func (r *RingBuffer[T]) Select(keep func(T) bool, limit int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, r.n)
	for i := r.n - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		v := r.buf[(r.start+i)%len(r.buf)]
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Len reports how many items are held.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}
