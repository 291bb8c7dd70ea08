// Package intern implements a process-wide string interner: names
// (registers, functions, parameters) compare in O(1) and serialise to a
// stable integer key. The table is append-only once populated.
package intern

import "sync"

// ID is a small token for an interned string. Two IDs compare equal iff
// the strings they were interned from compare equal.
type ID uint32

// Invalid is the ID never returned by Intern.
const Invalid ID = 0

// Table is an append-only interner, safe for concurrent use.
type Table struct {
	mu     sync.RWMutex
	byStr  map[string]ID
	byID   []string
}

// Global is the process-wide interner. It is populated during boot —
// model deserialisation seeds it before anything walks the model — and
// is append-only thereafter.
var Global = NewTable()

// NewTable returns an empty Table with the invalid ID reserved at index 0.
func NewTable() *Table {
	return &Table{
		byStr: make(map[string]ID),
		byID:  []string{""},
	}
}

// Intern returns the ID for s, assigning a new one if s has not been seen.
func (t *Table) Intern(s string) ID {
	t.mu.RLock()
	if id, ok := t.byStr[s]; ok {
		t.mu.RUnlock()
		return id
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.byStr[s]; ok {
		return id
	}
	id := ID(len(t.byID))
	t.byID = append(t.byID, s)
	t.byStr[s] = id
	return id
}

// String returns the string named by id. It panics if id was never
// returned by Intern on this table.
func (t *Table) String(id ID) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id]
}

// Len returns the number of distinct strings interned, not counting the
// reserved invalid entry.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID) - 1
}
