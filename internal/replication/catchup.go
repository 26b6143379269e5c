package replication

import (
	"errors"
	"fmt"
	"io"

	"github.com/ardbgo/ardb/internal/oplog"
	"github.com/ardbgo/ardb/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// catchupPhase is the internal-only phase tag a CatchupTask moves
// through. These never reach the wire; the slave only ever sees the
// command stream the phase produces, plus the final `arsynced` line.
type catchupPhase int

const (
	phaseIterDB catchupPhase = iota
	phaseDiskLogs
	phaseMemRing
)

// kMaxSyncRecordsPeriod bounds how many records a single tick may stream,
// in the snapshot phase and as the queue's per-drain cap.
const kMaxSyncRecordsPeriod = 2000

// diskBatchTargetBytes is the approximate per-tick budget for disk-log
// streaming.
const diskBatchTargetBytes = 4096

// CatchupTask drives one slave from wherever it resumes through to the
// live ring: a full database snapshot if its position is unusable, then
// disk-resident log segments, then hand-off to the in-memory feed.
type CatchupTask struct {
	id      string
	slaveID string

	store  *oplog.Store
	engine storage.Engine
	log    *zap.Logger

	phase catchupPhase

	// IterDB state.
	iter         storage.Iterator
	iterDB       int
	remainingDBs []int
	seqAfterIter uint64
	iterStarted  bool

	// DiskLogs state.
	diskSeg   *oplog.DiskSegmentReader
	diskIndex int

	dbs map[int]bool
}

// newCatchupTask constructs a task for slave, choosing its initial phase:
// DiskLogs if the slave is this server's own upstream master (a
// master-master pair must never full-dump at each other) or its requested
// seq is already on disk; IterDB otherwise.
func newCatchupTask(slave *SlaveConn, store *oplog.Store, engine storage.Engine, isUpstream bool, log *zap.Logger) *CatchupTask {
	t := &CatchupTask{
		id:      uuid.NewString(),
		slaveID: slave.ID,
		store:   store,
		engine:  engine,
		dbs:     slave.SyncDBs,
	}
	t.log = log.Named("catchup").With(zap.String("task_id", t.id), zap.String("slave_id", slave.ID))
	if isUpstream || store.InDisk(slave.SyncedCmdSeq) {
		t.phase = phaseDiskLogs
	} else {
		t.phase = phaseIterDB
	}
	return t
}

// dbList returns the configured db subset as a sorted-ish slice, or a
// single-entry default db 0 when unfiltered (the storage engine
// collaborator in this repo is single-db capable; a multi-db engine
// would enumerate its own db ids here).
func (t *CatchupTask) dbList() []int {
	if len(t.dbs) == 0 {
		return []int{0}
	}
	out := make([]int, 0, len(t.dbs))
	for db := range t.dbs {
		out = append(out, db)
	}
	return out
}

// step advances the task by one tick, writing to conn as needed. It
// returns (done, err): done is true once the slave has reached MemRing
// and been marked Synced; err is non-nil on unrecoverable failure (a
// socket write error or a history gap), at which point the caller must
// close the slave channel and discard the task.
func (t *CatchupTask) step(conn *SlaveConn) (done bool, err error) {
	switch t.phase {
	case phaseIterDB:
		return false, t.stepIterDB(conn)
	case phaseDiskLogs:
		return false, t.stepDiskLogs(conn)
	case phaseMemRing:
		return true, t.enterMemRing(conn)
	default:
		return false, fmt.Errorf("replication: unknown catchup phase %d", t.phase)
	}
}

func (t *CatchupTask) stepIterDB(conn *SlaveConn) error {
	if !t.iterStarted {
		t.iterStarted = true
		t.seqAfterIter = t.store.MaxSeq()
		t.remainingDBs = t.dbList()
		if len(t.remainingDBs) == 0 {
			t.phase = phaseDiskLogs
			return nil
		}
		t.iterDB = t.remainingDBs[0]
		t.remainingDBs = t.remainingDBs[1:]
		t.iter = t.engine.NewIterator(t.iterDB)
	}

	sent := 0
	for sent < kMaxSyncRecordsPeriod {
		if t.iter == nil || !t.iter.Next() {
			if t.iter != nil {
				t.iter.Close()
				t.iter = nil
			}
			if len(t.remainingDBs) == 0 {
				conn.SyncedCmdSeq = t.seqAfterIter
				t.phase = phaseDiskLogs
				return nil
			}
			t.iterDB = t.remainingDBs[0]
			t.remainingDBs = t.remainingDBs[1:]
			t.iter = t.engine.NewIterator(t.iterDB)
			continue
		}
		if err := conn.Write(encodeIterDBSet(t.iter.Key(), t.iter.Value())); err != nil {
			return err
		}
		sent++
	}
	return nil
}

func (t *CatchupTask) stepDiskLogs(conn *SlaveConn) error {
	if conn.SyncedCmdSeq+1 >= t.store.MemMinSeq() {
		if t.diskSeg != nil {
			t.diskSeg.Close()
			t.diskSeg = nil
		}
		t.phase = phaseMemRing
		return nil
	}

	if t.diskSeg == nil {
		index, err := t.pickSegment(conn.SyncedCmdSeq + 1)
		if err != nil {
			return err
		}
		seg, err := t.store.OpenDiskSegment(index)
		if err != nil {
			return fmt.Errorf("replication: open disk segment %d: %w", index, err)
		}
		t.diskSeg = seg
		t.diskIndex = index
	}

	written := 0
	for written < diskBatchTargetBytes {
		op, err := t.diskSeg.Next()
		if errors.Is(err, io.EOF) {
			t.diskSeg.Close()
			t.diskSeg = nil
			return nil
		}
		if err != nil {
			return fmt.Errorf("replication: read disk segment %d: %w", t.diskIndex, err)
		}
		if op.Seq <= conn.SyncedCmdSeq {
			continue
		}
		if len(t.dbs) > 0 && !t.dbs[op.DB] {
			conn.SyncedCmdSeq = op.Seq
			continue
		}
		// Catch-up frames carry no trailing seq token: the slave only
		// strips one once arsynced has moved it to Synced.
		encoded := encodeReplicatedCommand(op, false)
		if encoded == nil {
			continue
		}
		if err := conn.Write(encoded); err != nil {
			return err
		}
		conn.SyncedCmdSeq = op.Seq
		written += len(encoded)
	}
	return nil
}

// pickSegment scans the retained on-disk segment indices in descending
// order, returning the highest-numbered one whose range covers fromSeq.
func (t *CatchupTask) pickSegment(fromSeq uint64) (int, error) {
	oldest, newest := t.store.OldestSegmentIndex(), t.store.NewestSegmentIndex()
	if oldest == 0 {
		return 0, fmt.Errorf("%w: no on-disk segments retained", ErrHistoryGap)
	}
	for idx := newest; idx >= oldest; idx-- {
		start, ok := t.store.PeekLogStart(idx)
		if !ok || start > fromSeq {
			continue
		}
		return idx, nil
	}
	return 0, fmt.Errorf("%w: seq %d predates oldest retained segment", ErrHistoryGap, fromSeq)
}

func (t *CatchupTask) enterMemRing(conn *SlaveConn) error {
	if err := conn.Write(encodeArsynced(t.store.ServerKey(), conn.SyncedCmdSeq)); err != nil {
		return err
	}
	// The seq in the ack is already on the slave; the live feed resumes
	// one past it.
	conn.SyncedCmdSeq++
	conn.State = Synced
	conn.ServerKey = t.store.ServerKey()
	return nil
}
