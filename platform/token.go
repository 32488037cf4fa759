package platform

import (
	"fmt"
	"sync"
)

// Token is an opaque, pointer-sized handle to an allocation. It is only valid
// for the (platform, device) pair that produced it and is never dereferenced
// by the runtime.
type Token uint64

// NilToken is never returned by a successful allocation.
const NilToken Token = 0

const (
	classShift = 56
	idMask     = 1<<classShift - 1
)

// MakeToken builds a tagged token from a heap class and an arena index.
// Backends whose native handles are not host pointers use it.
func MakeToken(class HeapClass, id uint64) Token {
	return Token(uint64(class)<<classShift | id&idMask)
}

// Class returns the heap class of a tagged token.
func (t Token) Class() HeapClass {
	return HeapClass(t >> classShift)
}

// Index returns the arena index of a tagged token.
func (t Token) Index() uint64 {
	return uint64(t) & idMask
}

func (t Token) String() string {
	return fmt.Sprintf("token(%#x)", uint64(t))
}

// Handles is an arena of backend objects addressed by integer ids. Ids start at 1.
type Handles[T any] struct {
	mu    sync.RWMutex
	next  uint64
	items map[uint64]T
}

// NewHandles returns an empty arena.
func NewHandles[T any]() *Handles[T] {
	return &Handles[T]{items: make(map[uint64]T)}
}

// Put stores v and returns its id.
func (h *Handles[T]) Put(v T) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	h.items[h.next] = v
	return h.next
}

// Get returns the object stored under id.
func (h *Handles[T]) Get(id uint64) (T, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.items[id]
	return v, ok
}

// Delete removes id and returns the object it held.
func (h *Handles[T]) Delete(id uint64) (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.items[id]
	delete(h.items, id)
	return v, ok
}

// Len returns the number of live objects.
func (h *Handles[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.items)
}
