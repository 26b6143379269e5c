package storage

import (
	"sync"

	"github.com/google/btree"
)

// kvEntry is a single ordered key-value pair. MemEngine keeps one btree per
// db, ordered by key, so NewIterator can walk it in key order the same way
// the on-disk engines this collaborator stands in for would.
type kvEntry struct {
	key   string
	value string
}

func kvLess(a, b kvEntry) bool { return a.key < b.key }

const btreeDegree = 32

// MemEngine is a minimal in-memory Engine backed by an ordered btree per
// db. It exists to drive the replication subsystem end to end (the
// full-snapshot catch-up phase and the change-callback path) without
// depending on a real pluggable storage engine.
//
// Snapshot isolation for NewIterator comes from btree's copy-on-write
// Clone: cloning is O(1) and the clone is unaffected by subsequent writes
// to the live tree, so IterDB never blocks writers and never observes a
// torn view.
type MemEngine struct {
	mu       sync.Mutex
	trees    map[int]*btree.BTreeG[kvEntry]
	listener ChangeListener
}

// NewMemEngine returns an empty MemEngine.
func NewMemEngine() *MemEngine {
	return &MemEngine{trees: make(map[int]*btree.BTreeG[kvEntry])}
}

func (e *MemEngine) tree(db int) *btree.BTreeG[kvEntry] {
	t, ok := e.trees[db]
	if !ok {
		t = btree.NewG(btreeDegree, kvLess)
		e.trees[db] = t
	}
	return t
}

func (e *MemEngine) Get(db int, key string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.trees[db]
	if !ok {
		return "", false
	}
	item, ok := t.Get(kvEntry{key: key})
	if !ok {
		return "", false
	}
	return item.value, true
}

func (e *MemEngine) Set(db int, key, value string) {
	e.mu.Lock()
	e.tree(db).ReplaceOrInsert(kvEntry{key: key, value: value})
	listener := e.listener
	e.mu.Unlock()

	if listener != nil {
		listener(ChangeEvent{DB: db, Key: key, Value: value})
	}
}

func (e *MemEngine) Delete(db int, key string) bool {
	e.mu.Lock()
	t, ok := e.trees[db]
	var existed bool
	if ok {
		_, existed = t.Delete(kvEntry{key: key})
	}
	listener := e.listener
	e.mu.Unlock()

	if existed && listener != nil {
		listener(ChangeEvent{DB: db, Key: key, Deleted: true})
	}
	return existed
}

func (e *MemEngine) OnChange(listener ChangeListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = listener
}

// NewIterator takes an O(1) copy-on-write snapshot of db and returns an
// iterator over it.
func (e *MemEngine) NewIterator(db int) Iterator {
	e.mu.Lock()
	t, ok := e.trees[db]
	if !ok {
		e.mu.Unlock()
		return &memIterator{entries: nil}
	}
	snap := t.Clone()
	e.mu.Unlock()

	entries := make([]kvEntry, 0, snap.Len())
	snap.Ascend(func(item kvEntry) bool {
		entries = append(entries, item)
		return true
	})
	return &memIterator{entries: entries, pos: -1}
}

type memIterator struct {
	entries []kvEntry
	pos     int
	closed  bool
}

func (it *memIterator) Next() bool {
	if it.closed || it.pos+1 >= len(it.entries) {
		return false
	}
	it.pos++
	return true
}

func (it *memIterator) Key() string {
	if it.pos < 0 || it.pos >= len(it.entries) {
		return ""
	}
	return it.entries[it.pos].key
}

func (it *memIterator) Value() string {
	if it.pos < 0 || it.pos >= len(it.entries) {
		return ""
	}
	return it.entries[it.pos].value
}

func (it *memIterator) Close() { it.closed = true }
