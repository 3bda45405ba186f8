// Package workerlocal implements per-thread storage keyed by worker
// slot (see the package doc comment in pkg/epoch for why: this
// module's concurrency runtime is the fixed-size pool in pkg/pool, so
// "per OS thread" becomes "per worker slot").
//
// Slots[T] is a fixed-size array of *T, one per worker, allocated once
// at construction instead of lazily appended to a shared linked list —
// the slot count is known up front (it is the thread-pool size), so a
// lock-free prepend-only list would be overkill here and degenerates to
// a plain slice instead. ForEach still walks it without taking a lock.
// No other package in this module uses Slots: the logger coordinator
// and the callback engine keep their per-worker state in plain slices.
package workerlocal

// Slots is per-worker storage for a value of type T, one slot per worker.
type Slots[T any] struct {
	items []*T
}

// New allocates Slots with n worker slots, each initialized by newItem.
func New[T any](n int, newItem func(slot int) *T) *Slots[T] {
	s := &Slots[T]{items: make([]*T, n)}
	for i := range s.items {
		s.items[i] = newItem(i)
	}
	return s
}

// Get returns the item owned by worker slot.
func (s *Slots[T]) Get(slot int) *T {
	return s.items[slot]
}

// Len returns the number of worker slots.
func (s *Slots[T]) Len() int {
	return len(s.items)
}

// ForEach iterates every slot's item in slot order. Safe to call
// concurrently with Get from any worker, since the slice itself is
// never mutated after New returns.
func (s *Slots[T]) ForEach(visit func(slot int, item *T)) {
	for i, item := range s.items {
		visit(i, item)
	}
}
