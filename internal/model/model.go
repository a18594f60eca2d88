// Package model holds the per-object metadata record and the
// name-indexed table shared by every backend.
package model

import "sync"

// Record is the metadata for one named model plus a backend-specific
// payload slot. The embedded mutex serializes mutations of the record
// and its backing bytes; it is held across bulk transfers, so the
// table lock must never be held while acquiring it.
//
// Name is immutable after creation. Config, Signature and Size are
// write-once: they are filled by the registering handler under the
// record lock and never revised.
type Record[P any] struct {
	mu sync.Mutex

	Name      string
	Config    string
	Signature string
	Size      uint64
	Payload   P
}

// Lock acquires the per-record mutex.
func (r *Record[P]) Lock() { r.mu.Lock() }

// Unlock releases the per-record mutex.
func (r *Record[P]) Unlock() { r.mu.Unlock() }

// Table maps model names to records under a readers-writer lock. The
// table owns its records; both locks in play follow a fixed order:
// table lock first, record lock second, and the table lock is released
// before blocking on a record.
type Table[P any] struct {
	mu      sync.RWMutex
	records map[string]*Record[P]
}

// NewTable returns an empty model table.
func NewTable[P any]() *Table[P] {
	return &Table[P]{records: make(map[string]*Record[P])}
}

// Find returns the record for name, or nil if absent. The pointer
// stays valid while the table owns the record.
func (t *Table[P]) Find(name string) *Record[P] {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[name]
}

// FindOrCreate returns the record for name, inserting a fresh one if
// absent. The boolean reports whether the record was newly created;
// new records carry only their name, the caller fills the rest under
// the record's own lock.
func (t *Table[P]) FindOrCreate(name string) (*Record[P], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rec, ok := t.records[name]; ok {
		return rec, false
	}
	rec := &Record[P]{Name: name}
	t.records[name] = rec
	return rec, true
}

// Remove drops the record for name, releasing the table's ownership.
// Used to roll back a registration whose backing setup failed.
func (t *Table[P]) Remove(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, name)
}

// Len returns the number of records.
func (t *Table[P]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Names returns the registered names in unspecified order.
func (t *Table[P]) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.records))
	for name := range t.records {
		names = append(names, name)
	}
	return names
}
