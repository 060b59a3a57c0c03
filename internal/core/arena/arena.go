package arena

import (
	"errors"
	"fmt"
)

// ErrDoubleRelease is returned when a handle is released twice or after its
// slot has been reused.
var ErrDoubleRelease = errors.New("arena: slot released twice or handle is stale")

// Handle encodes a 32-bit slot index in the lower bits and a 32-bit generation
// in the upper bits. The generation increments on release to invalidate stale handles.
type Handle uint64

func NewHandle(index uint32, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

func (h Handle) Index() uint32      { return uint32(h) }
func (h Handle) Generation() uint32 { return uint32(h >> 32) }

func (h Handle) String() string {
	return fmt.Sprintf("%d@%d", h.Index(), h.Generation())
}

// Arena is a pool of reusable value slots with an in-use bit per slot and a free list.
// Released slots keep their value so callers can recycle whatever the slot holds.
// Not safe for concurrent use; the game loop owns it.
type Arena[T any] struct {
	slots       []T
	inUse       []bool
	generations []uint32
	freeList    []uint32
}

func New[T any](capacity int) *Arena[T] {
	return &Arena[T]{
		slots:       make([]T, 0, capacity),
		inUse:       make([]bool, 0, capacity),
		generations: make([]uint32, 0, capacity),
		freeList:    make([]uint32, 0, capacity),
	}
}

// Acquire returns a handle and a pointer to its slot. The second result is
// true when the slot was recycled from the free list.
func (a *Arena[T]) Acquire() (Handle, *T, bool) {
	if n := len(a.freeList); n > 0 {
		idx := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		a.inUse[idx] = true
		return NewHandle(idx, a.generations[idx]), &a.slots[idx], true
	}
	var zero T
	idx := uint32(len(a.slots))
	a.slots = append(a.slots, zero)
	a.inUse = append(a.inUse, true)
	a.generations = append(a.generations, 0)
	return NewHandle(idx, 0), &a.slots[idx], false
}

// Get returns the slot for a live handle.
func (a *Arena[T]) Get(h Handle) (*T, bool) {
	if !a.Alive(h) {
		return nil, false
	}
	return &a.slots[h.Index()], true
}

func (a *Arena[T]) Alive(h Handle) bool {
	idx := h.Index()
	if int(idx) >= len(a.slots) {
		return false
	}
	return a.inUse[idx] && a.generations[idx] == h.Generation()
}

// Release returns a slot to the free list.
func (a *Arena[T]) Release(h Handle) error {
	if !a.Alive(h) {
		return fmt.Errorf("%w: %s", ErrDoubleRelease, h)
	}
	idx := h.Index()
	a.inUse[idx] = false
	a.generations[idx]++
	a.freeList = append(a.freeList, idx)
	return nil
}

func (a *Arena[T]) InUse() int    { return len(a.slots) - len(a.freeList) }
func (a *Arena[T]) Free() int     { return len(a.freeList) }
func (a *Arena[T]) Capacity() int { return len(a.slots) }
