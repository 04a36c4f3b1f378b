// Package heap implements a generic binary min-heap on top of
// container/heap, with an added linear-time predicate erase used by the
// scheduler to cancel a timer.
package heap

import "container/heap"

// Less reports whether a sorts before b in the heap's ordering (min at top).
type Less[T any] func(a, b T) bool

// Heap is a binary min-heap over elements of type T.
type Heap[T any] struct {
	h *innerHeap[T]
}

// New creates an empty Heap ordered by less.
func New[T any](less Less[T]) *Heap[T] {
	h := &innerHeap[T]{less: less}
	heap.Init(h)
	return &Heap[T]{h: h}
}

// Len returns the number of elements.
func (q *Heap[T]) Len() int { return q.h.Len() }

// Empty reports whether the heap has no elements.
func (q *Heap[T]) Empty() bool { return q.h.Len() == 0 }

// Emplace pushes a new element.
func (q *Heap[T]) Emplace(v T) {
	heap.Push(q.h, v)
}

// Top returns the minimum element without removing it. Panics if empty.
func (q *Heap[T]) Top() T {
	return q.h.items[0]
}

// Pop removes and returns the minimum element. Panics if empty.
func (q *Heap[T]) Pop() T {
	return heap.Pop(q.h).(T)
}

// Erase removes the first element matching pred, re-heapifying around the
// removal site. Returns whether any element was removed.
func (q *Heap[T]) Erase(pred func(T) bool) bool {
	for i, v := range q.h.items {
		if pred(v) {
			heap.Remove(q.h, i)
			return true
		}
	}
	return false
}

// Container exposes the raw backing slice, in heap (not sorted) order, for
// teardown-time iteration.
func (q *Heap[T]) Container() []T {
	return q.h.items
}

type innerHeap[T any] struct {
	items []T
	less  Less[T]
}

func (h *innerHeap[T]) Len() int            { return len(h.items) }
func (h *innerHeap[T]) Less(i, j int) bool  { return h.less(h.items[i], h.items[j]) }
func (h *innerHeap[T]) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *innerHeap[T]) Push(x interface{})  { h.items = append(h.items, x.(T)) }
func (h *innerHeap[T]) Pop() interface{} {
	n := len(h.items)
	v := h.items[n-1]
	h.items = h.items[:n-1]
	return v
}
