// Package storage defines the ordered key-value engine collaborator that
// the replication subsystem writes through and reads a full snapshot from.
// The engine itself (iteration order, batch writes, on-disk format) is out
// of scope for this repository; this package exists only to give the
// replication components something concrete to drive during tests and when
// run standalone.
package storage

// Engine is the collaborator the replication service writes through
// (on_key_updated / on_key_deleted fire from here) and that a CatchupTask's
// IterDB phase walks to produce a full snapshot of a fresh slave.
type Engine interface {
	// Get returns the current value for key, if present.
	Get(db int, key string) (string, bool)

	// Set stores value for key in db, notifying any registered listener.
	Set(db int, key, value string)

	// Delete removes key from db, notifying any registered listener if the
	// key existed. Reports whether the key existed.
	Delete(db int, key string) bool

	// NewIterator returns an ordered, point-in-time iterator over db.
	// The iterator must remain valid while writes continue concurrently
	// (copy-on-write semantics); a full-snapshot stream must never block
	// concurrent writers.
	NewIterator(db int) Iterator

	// OnChange registers a callback invoked synchronously after every Set
	// and every Delete that removed a key. Only one listener is supported; registering again
	// replaces the previous one, which is all the replication service
	// needs (it is the sole subscriber).
	OnChange(listener ChangeListener)
}

// ChangeEvent is passed to a ChangeListener on every mutation.
type ChangeEvent struct {
	DB      int
	Key     string
	Value   string // empty and ignored for deletes
	Deleted bool
}

// ChangeListener receives a synchronous callback for every Engine mutation.
type ChangeListener func(ChangeEvent)

// Iterator walks an ordered snapshot of a single db.
type Iterator interface {
	// Next advances the iterator and reports whether an entry is available.
	Next() bool
	Key() string
	Value() string
	// Close releases the snapshot. Safe to call multiple times.
	Close()
}
