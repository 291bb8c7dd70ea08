// Package arena provides dense, append-only storage for homogeneous nodes
// accessed by a stable integer handle. It is the shape every cyclic graph
// in this module uses: IR blocks and statements, x86 nodes and blocks all
// live in an arena and reference each other by Handle rather than by
// pointer, so that cycles are expressible without cyclic ownership.
package arena

const pageSize = 128

// Arena is a paged, append-only store of T. Values are never removed or
// relocated once appended, so a Handle obtained from Append remains valid
// for the lifetime of the Arena.
type Arena[T any] struct {
	pages []*[pageSize]T
	index int
	len   int
}

// Handle is an index into an Arena, tagged with the type it points into so
// handles from different arenas cannot be confused at compile time.
type Handle[T any] struct {
	idx int
}

// Valid reports whether h was ever produced by an Append call.
func (h Handle[T]) Valid() bool { return h.idx >= 0 }

// Index returns the raw append-order index backing h, stable for the
// lifetime of the Arena it came from. Useful as a map key when callers
// need visited-set or adjacency bookkeeping over handles.
func (h Handle[T]) Index() int { return h.idx }

// Invalid returns the sentinel handle that no Append call ever produces.
func Invalid[T any]() Handle[T] { return Handle[T]{idx: -1} }

// New returns an empty Arena.
func New[T any]() *Arena[T] {
	return &Arena[T]{index: pageSize}
}

// Append stores v and returns a Handle that can later retrieve it via Get.
func (a *Arena[T]) Append(v T) Handle[T] {
	if a.index == pageSize {
		a.pages = append(a.pages, new([pageSize]T))
		a.index = 0
	}
	page := a.pages[len(a.pages)-1]
	page[a.index] = v
	h := Handle[T]{idx: a.len}
	a.index++
	a.len++
	return h
}

// Get returns a pointer to the value named by h. The pointer stays valid
// for the lifetime of the Arena since pages are never reallocated once
// full and a page is only ever appended, never replaced.
func (a *Arena[T]) Get(h Handle[T]) *T {
	page, idx := h.idx/pageSize, h.idx%pageSize
	return &a.pages[page][idx]
}

// Len returns the number of values appended so far.
func (a *Arena[T]) Len() int { return a.len }

// All calls fn once for every handle in append order.
func (a *Arena[T]) All(fn func(Handle[T], *T)) {
	for i := 0; i < a.len; i++ {
		h := Handle[T]{idx: i}
		fn(h, a.Get(h))
	}
}
