// Package evheap implements an addressable binary heap with stable,
// externally-held handles.
//
// Entries live in a dense slot table; a Handle is a slot index plus a
// generation counter, so a handle that outlives its entry is detected
// as stale instead of dangling. Insert and Remove are O(log n), Peek
// is O(1).
package evheap

import "fmt"

// Handle identifies an entry in a Heap. The zero Handle is invalid;
// generation 0 is never issued.
type Handle struct {
	slot uint32
	gen  uint32
}

// Valid reports whether h was issued by an Insert and not yet cleared
// by the holder. A valid handle may still be stale if the entry was
// removed; Remove detects that case.
func (h Handle) Valid() bool {
	return h.gen != 0
}

type slotEntry[T any] struct {
	item    T
	gen     uint32
	heapIdx int32 // -1 when the slot is free
}

// Heap is an addressable binary heap over items of type T.
// The zero value is not usable; use New.
type Heap[T any] struct {
	// above reports whether a should sit closer to the root than b.
	above func(a, b T) bool

	slots []slotEntry[T]
	order []uint32 // heap array of slot indices
	free  []uint32
}

// New creates a heap ordered by the given priority function: above(a, b)
// reports whether a takes priority over b.
func New[T any](above func(a, b T) bool) *Heap[T] {
	return &Heap[T]{above: above}
}

// Len returns the number of entries in the heap.
func (h *Heap[T]) Len() int {
	return len(h.order)
}

// Insert adds item and returns a handle for later removal.
func (h *Heap[T]) Insert(item T) Handle {
	var slot uint32
	if n := len(h.free); n > 0 {
		slot = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		h.slots = append(h.slots, slotEntry[T]{})
		slot = uint32(len(h.slots) - 1)
	}

	e := &h.slots[slot]
	e.item = item
	e.gen++
	if e.gen == 0 { // generation 0 stays reserved after wraparound
		e.gen = 1
	}
	e.heapIdx = int32(len(h.order))

	h.order = append(h.order, slot)
	h.siftUp(len(h.order) - 1)

	return Handle{slot: slot, gen: e.gen}
}

// Remove deletes the entry identified by hdl and returns its item.
// It panics on an invalid or stale handle: a double remove indicates
// corruption in the caller's bookkeeping.
func (h *Heap[T]) Remove(hdl Handle) T {
	e := h.entry(hdl)
	idx := int(e.heapIdx)

	last := len(h.order) - 1
	h.swap(idx, last)
	h.order = h.order[:last]
	if idx < last {
		h.siftDown(h.siftUp(idx))
	}

	item := e.item
	var zero T
	e.item = zero
	e.heapIdx = -1
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	h.free = append(h.free, hdl.slot)

	return item
}

// Peek returns the highest-priority item without removing it.
func (h *Heap[T]) Peek() (T, bool) {
	if len(h.order) == 0 {
		var zero T
		return zero, false
	}
	return h.slots[h.order[0]].item, true
}

// Item returns the item held by hdl.
func (h *Heap[T]) Item(hdl Handle) T {
	return h.entry(hdl).item
}

func (h *Heap[T]) entry(hdl Handle) *slotEntry[T] {
	if !hdl.Valid() || int(hdl.slot) >= len(h.slots) {
		panic("evheap: invalid handle")
	}
	e := &h.slots[hdl.slot]
	if e.gen != hdl.gen || e.heapIdx < 0 {
		panic(fmt.Sprintf("evheap: stale handle (slot %d)", hdl.slot))
	}
	return e
}

func (h *Heap[T]) swap(i, j int) {
	if i == j {
		return
	}
	h.order[i], h.order[j] = h.order[j], h.order[i]
	h.slots[h.order[i]].heapIdx = int32(i)
	h.slots[h.order[j]].heapIdx = int32(j)
}

func (h *Heap[T]) siftUp(i int) int {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.above(h.slots[h.order[i]].item, h.slots[h.order[parent]].item) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
	return i
}

func (h *Heap[T]) siftDown(i int) {
	n := len(h.order)
	for {
		left := 2*i + 1
		if left >= n {
			return
		}
		best := left
		if right := left + 1; right < n && h.above(h.slots[h.order[right]].item, h.slots[h.order[left]].item) {
			best = right
		}
		if !h.above(h.slots[h.order[best]].item, h.slots[h.order[i]].item) {
			return
		}
		h.swap(i, best)
		i = best
	}
}

// CheckInvariants verifies the heap property over the whole structure.
// It is meant for tests and debug instrumentation, not the hot path.
func (h *Heap[T]) CheckInvariants() error {
	for i := range h.order {
		e := &h.slots[h.order[i]]
		if int(e.heapIdx) != i {
			return fmt.Errorf("evheap: slot %d records heap index %d, found at %d", h.order[i], e.heapIdx, i)
		}
		if i > 0 {
			parent := h.slots[h.order[(i-1)/2]].item
			if h.above(e.item, parent) {
				return fmt.Errorf("evheap: entry at index %d outranks its parent", i)
			}
		}
	}
	return nil
}
