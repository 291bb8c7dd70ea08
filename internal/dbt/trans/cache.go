package trans

import (
	"sync"

	"github.com/avisi-group/brig-dbt/internal/dbt/backend/amd64"
)

// Translation is one owned executable code buffer produced from one IR
// function. The buffer stays mapped executable until the translation is
// dropped from the cache.
type Translation struct {
	buf *amd64.CodeBuffer
}

// NewTranslation wraps an already-finalised code buffer.
func NewTranslation(buf *amd64.CodeBuffer) *Translation {
	return &Translation{buf: buf}
}

// Entry returns the address the trampoline indirect-calls.
func (t *Translation) Entry() uintptr { return t.buf.Entry() }

// Code returns the encoded machine code.
func (t *Translation) Code() []byte { return t.buf.Code() }

func (t *Translation) drop() {
	_ = t.buf.Free()
}

const pageShift = 12

// Cache maps guest physical addresses to translations in two levels:
// a coarse page map over fine per-page offset maps. Lookups take the
// read side; all invalidation takes the write side, which is the only
// shared-mutable path.
type Cache struct {
	mu    sync.RWMutex
	pages map[uint64]map[uint32]*Translation

	// chains records which translations chained to a given address, so
	// dropping an entry can transitively drop its dependants.
	chains map[uint64][]uint64
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{
		pages:  make(map[uint64]map[uint32]*Translation),
		chains: make(map[uint64][]uint64),
	}
}

func split(gpa uint64) (uint64, uint32) {
	return gpa >> pageShift, uint32(gpa & (1<<pageShift - 1))
}

// Lookup returns the translation for gpa, if present.
func (c *Cache) Lookup(gpa uint64) (*Translation, bool) {
	page, off := split(gpa)
	c.mu.RLock()
	defer c.mu.RUnlock()
	fine, ok := c.pages[page]
	if !ok {
		return nil, false
	}
	t, ok := fine[off]
	return t, ok
}

// Insert registers t under gpa, replacing and dropping any previous
// entry.
func (c *Cache) Insert(gpa uint64, t *Translation) {
	page, off := split(gpa)
	c.mu.Lock()
	defer c.mu.Unlock()
	fine, ok := c.pages[page]
	if !ok {
		fine = make(map[uint32]*Translation)
		c.pages[page] = fine
	}
	if old, ok := fine[off]; ok {
		old.drop()
	}
	fine[off] = t
}

// AddChain records that the translation at from chains directly to the
// one at to, so invalidating to also invalidates from.
func (c *Cache) AddChain(from, to uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chains[to] = append(c.chains[to], from)
}

// Invalidate drops the entry for gpa and, transitively, every entry
// that chained to it.
func (c *Cache) Invalidate(gpa uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(gpa)
}

func (c *Cache) invalidateLocked(gpa uint64) {
	page, off := split(gpa)
	if fine, ok := c.pages[page]; ok {
		if t, ok := fine[off]; ok {
			t.drop()
			delete(fine, off)
			if len(fine) == 0 {
				delete(c.pages, page)
			}
		}
	}
	dependants := c.chains[gpa]
	delete(c.chains, gpa)
	for _, d := range dependants {
		c.invalidateLocked(d)
	}
}

// InvalidateRegion drops every entry whose key lies in
// [start, start+length).
func (c *Cache) InvalidateRegion(start, length uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var doomed []uint64
	for page, fine := range c.pages {
		for off := range fine {
			gpa := page<<pageShift | uint64(off)
			if gpa >= start && gpa < start+length {
				doomed = append(doomed, gpa)
			}
		}
	}
	for _, gpa := range doomed {
		c.invalidateLocked(gpa)
	}
}

// InvalidateAll empties the cache. Translations in flight elsewhere are
// allowed to complete; inserting them afterwards simply repopulates.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, fine := range c.pages {
		for _, t := range fine {
			t.drop()
		}
	}
	c.pages = make(map[uint64]map[uint32]*Translation)
	c.chains = make(map[uint64][]uint64)
}

// Len returns the number of live translations, for tests and stats.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, fine := range c.pages {
		n += len(fine)
	}
	return n
}
