package oplog

import "github.com/google/btree"

// ringEntry is one (seq -> CachedOp) pair held in the in-memory ring.
type ringEntry struct {
	seq uint64
	op  CachedOp
}

func ringLess(a, b ringEntry) bool { return a.seq < b.seq }

const ringBtreeDegree = 32

// ring is the bounded in-memory portion of the op-log: an ordered
// seq -> CachedOp mapping, plus the per-key index needed to compact
// SetOp/DelOp entries for the same key down to the newest one.
type ring struct {
	tree     *btree.BTreeG[ringEntry]
	byKey    map[compactionKey]uint64 // live ring seq currently holding each key's latest op
	capacity int
}

func newRing(capacity int) *ring {
	return &ring{
		tree:     btree.NewG(ringBtreeDegree, ringLess),
		byKey:    make(map[compactionKey]uint64),
		capacity: capacity,
	}
}

func (r *ring) len() int { return r.tree.Len() }

// insert adds op to the ring, compacting away any prior ring entry for
// the same key. The survivor's from_master flag is the OR of both entries,
// so a loop-suppressed write stays suppressed through compaction.
// RedisCmdOp entries never compact.
func (r *ring) insert(op CachedOp) {
	if ck, ok := op.compactionKey(); ok {
		if oldSeq, exists := r.byKey[ck]; exists {
			if old, found := r.tree.Delete(ringEntry{seq: oldSeq}); found {
				op.FromMaster = op.FromMaster || old.op.FromMaster
			}
		}
		r.byKey[ck] = op.Seq
	}
	r.tree.ReplaceOrInsert(ringEntry{seq: op.Seq, op: op})
}

// evictOldest removes and returns the smallest-seq entry in the ring, used
// when the ring has grown past capacity and the entry must spill to disk.
func (r *ring) evictOldest() (CachedOp, bool) {
	min, ok := r.tree.Min()
	if !ok {
		return CachedOp{}, false
	}
	r.tree.Delete(min)
	if ck, ok := min.op.compactionKey(); ok {
		if r.byKey[ck] == min.seq {
			delete(r.byKey, ck)
		}
	}
	return min.op, true
}

// overCapacity reports whether the ring holds more entries than capacity
// allows.
func (r *ring) overCapacity() bool { return r.tree.Len() > r.capacity }

// minSeq returns the smallest seq currently held in the ring.
func (r *ring) minSeq() (uint64, bool) {
	min, ok := r.tree.Min()
	if !ok {
		return 0, false
	}
	return min.seq, true
}

// ascendFrom walks ring entries with seq >= from in increasing order,
// calling fn for each until it returns false or entries are exhausted.
func (r *ring) ascendFrom(from uint64, fn func(CachedOp) bool) {
	r.tree.AscendGreaterOrEqual(ringEntry{seq: from}, func(e ringEntry) bool {
		return fn(e.op)
	})
}
