// Package oplog implements the replication op-log: a bounded in-memory
// ring of recent writes that spills to numbered on-disk rollover files.
// Every recorded write is assigned a monotonically increasing sequence
// number; any slave whose synced_cmd_seq falls within the retained
// history (ring or disk) can be caught up by replay alone.
package oplog

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

var segmentNameRE = regexp.MustCompile(`^oplog-(\d{6})\.log$`)

// Store is the op-log: ring + disk segments + the monotonic seq counter.
type Store struct {
	mu  sync.Mutex
	log *zap.Logger

	serverKey string

	ring *ring

	dataDir       string
	backlogSize   uint64 // repl_backlog_size: seq-count span per segment
	maxBackupLogs int    // repl_max_backup_logs

	maxSeq uint64

	ledger      map[int]uint64 // segment index -> start seq
	oldestIndex int            // 0 means no segments on disk
	newestIndex int

	current *segmentWriter
}

// Options configures a new Store.
type Options struct {
	DataDir       string
	RingCapacity  int
	BacklogSize   uint64
	MaxBackupLogs int
	ServerKey     string
	Logger        *zap.Logger
}

// Open loads any existing on-disk segments under opts.DataDir and returns
// a ready Store.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("oplog: create data dir: %w", err)
	}

	s := &Store{
		log:           logger.Named("oplog"),
		serverKey:     opts.ServerKey,
		ring:          newRing(opts.RingCapacity),
		dataDir:       opts.DataDir,
		backlogSize:   opts.BacklogSize,
		maxBackupLogs: opts.MaxBackupLogs,
		ledger:        make(map[int]uint64),
	}

	if err := s.scanExistingSegments(); err != nil {
		return nil, err
	}

	m, found, err := loadManifest(opts.DataDir)
	if err != nil {
		return nil, err
	}
	if found {
		s.maxSeq = m.MaxSeq
		s.newestIndex = m.NextIndex - 1
	}

	s.log.Info("opened op-log store",
		zap.String("data_dir", opts.DataDir),
		zap.Uint64("max_seq", s.maxSeq),
		zap.Int("oldest_segment", s.oldestIndex),
		zap.Int("newest_segment", s.newestIndex))
	return s, nil
}

func (s *Store) scanExistingSegments() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("oplog: list data dir: %w", err)
	}
	var indices []int
	for _, e := range entries {
		m := segmentNameRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		start, err := peekSegmentStart(s.logPath(idx))
		if err != nil {
			return fmt.Errorf("oplog: inspect segment %d: %w", idx, err)
		}
		s.ledger[idx] = start
	}
	if len(indices) > 0 {
		s.oldestIndex = indices[0]
		s.newestIndex = indices[len(indices)-1]
	}
	return nil
}

// ServerKey returns this store's (and thus this server's) replication
// identity.
func (s *Store) ServerKey() string { return s.serverKey }

// RecordSet appends a SetOp and returns it with its assigned seq.
func (s *Store) RecordSet(db int, key, value string, fromMaster bool) CachedOp {
	return s.record(CachedOp{DB: db, Kind: OpSet, Key: key, Value: value, FromMaster: fromMaster})
}

// RecordDel appends a DelOp and returns it with its assigned seq.
func (s *Store) RecordDel(db int, key string, fromMaster bool) CachedOp {
	return s.record(CachedOp{DB: db, Kind: OpDel, Key: key, FromMaster: fromMaster})
}

// RecordRedis appends an opaque command op (used for writes whose effect
// isn't a plain set/del) and returns it with its assigned seq.
func (s *Store) RecordRedis(db int, cmd string, args []string, fromMaster bool) CachedOp {
	return s.record(CachedOp{DB: db, Kind: OpRedis, Cmd: cmd, Args: args, FromMaster: fromMaster})
}

func (s *Store) record(op CachedOp) CachedOp {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maxSeq++
	op.Seq = s.maxSeq
	s.ring.insert(op)

	for s.ring.overCapacity() {
		evicted, ok := s.ring.evictOldest()
		if !ok {
			break
		}
		if err := s.appendToDiskLocked(evicted); err != nil {
			s.log.Error("failed to spill evicted op to disk", zap.Error(err), zap.Uint64("seq", evicted.Seq))
		}
	}
	return op
}

func (s *Store) appendToDiskLocked(op CachedOp) error {
	if s.current == nil {
		index := s.newestIndex + 1
		w, err := createSegment(s.logPath(index), index, op.Seq)
		if err != nil {
			return err
		}
		s.current = w
		s.newestIndex = index
		if s.oldestIndex == 0 {
			s.oldestIndex = index
		}
		s.ledger[index] = op.Seq
		s.evictOldSegmentsLocked()
	}

	if err := s.current.append(op); err != nil {
		return err
	}

	if s.current.count >= s.backlogSize {
		if err := s.current.close(); err != nil {
			return fmt.Errorf("oplog: close segment %d: %w", s.current.index, err)
		}
		s.current = nil
		s.evictOldSegmentsLocked()
		if err := saveManifest(s.dataDir, manifest{NextIndex: s.newestIndex + 1, MaxSeq: s.maxSeq}); err != nil {
			s.log.Warn("failed to persist op-log manifest", zap.Error(err))
		}
	}
	return nil
}

func (s *Store) evictOldSegmentsLocked() {
	for s.newestIndex-s.oldestIndex+1 > s.maxBackupLogs {
		path := s.logPath(s.oldestIndex)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove rolled-off op-log segment", zap.Error(err), zap.String("path", path))
		}
		delete(s.ledger, s.oldestIndex)
		s.oldestIndex++
	}
	if s.oldestIndex > s.newestIndex {
		s.oldestIndex = 0
	}
}

// MinSeq returns the smallest seq still retained, in the ring or on disk.
// Zero means no history has been retained yet.
func (s *Store) MinSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minSeqLocked()
}

func (s *Store) minSeqLocked() uint64 {
	if s.oldestIndex != 0 {
		return s.ledger[s.oldestIndex]
	}
	if min, ok := s.ring.minSeq(); ok {
		return min
	}
	return 0
}

// MaxSeq returns the most recently assigned seq.
func (s *Store) MaxSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSeq
}

// MemMinSeq returns the smallest seq still resident in the in-memory
// ring, or max_seq+1 when the ring is empty. A slave whose next expected
// seq is >= this value can be fed from the ring alone, with no disk
// replay.
func (s *Store) MemMinSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memMinSeqLocked()
}

func (s *Store) memMinSeqLocked() uint64 {
	if min, ok := s.ring.minSeq(); ok {
		return min
	}
	return s.maxSeq + 1
}

// InDisk reports whether seq currently lives only on disk (evicted from
// the ring, still within a retained segment).
func (s *Store) InDisk(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oldestIndex == 0 {
		return false
	}
	diskStart := s.ledger[s.oldestIndex]
	upper := s.maxSeq + 1
	if ringMin, ok := s.ring.minSeq(); ok {
		upper = ringMin
	}
	return seq >= diskStart && seq < upper
}

// PeekLogStart returns the first seq held by on-disk segment index, if it
// exists.
func (s *Store) PeekLogStart(index int) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, ok := s.ledger[index]
	return start, ok
}

// LogPath returns the on-disk path of segment index, whether or not it
// currently exists.
func (s *Store) LogPath(index int) string { return s.logPath(index) }

// OldestSegmentIndex and NewestSegmentIndex bound the retained on-disk
// segment range. OldestSegmentIndex is 0 when no segment is retained.
func (s *Store) OldestSegmentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oldestIndex
}

func (s *Store) NewestSegmentIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newestIndex
}

// VerifyClient reports whether (serverKey, seq) identifies a position the
// steady-state feed can resume from directly: the key must be this
// server's, and every seq after it must still be ring-resident. A seq
// whose successors live only in disk segments fails verification; the
// caller then runs a catch-up task, whose DiskLogs phase is the only
// reader of segment files.
func (s *Store) VerifyClient(serverKey string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if serverKey != s.serverKey {
		return false
	}
	return seq+1 >= s.memMinSeqLocked() && seq <= s.maxSeq
}

// LoadOps serializes up to limit ops with seq >= fromSeq from the live
// ring into a batch, filtering by db (if dbs is non-empty) and by the
// loop-avoidance rule (skipping from_master ops when suppressFromMaster is
// set). Reports whether further ring ops remain after this batch.
//
// LoadOps only ever reads the ring: by the time a slave is in the Synced
// state its synced_cmd_seq is always >= the ring's min_seq (the CatchupTask
// MemRing phase is what gets it there), so the steady-state feed path never
// needs to touch disk. Disk-resident replay is CatchupTask's DiskLogs
// phase, which reads segment files directly.
func (s *Store) LoadOps(dbs map[int]bool, fromSeq uint64, limit int, suppressFromMaster bool) (ops []CachedOp, more bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	s.ring.ascendFrom(fromSeq, func(op CachedOp) bool {
		if count >= limit {
			more = true
			return false
		}
		if len(dbs) > 0 && !dbs[op.DB] {
			return true
		}
		if suppressFromMaster && op.FromMaster {
			return true
		}
		ops = append(ops, op)
		count++
		return true
	})
	return ops, more
}

// OpenDiskSegment opens on-disk segment index for sequential replay. The
// caller must Close the returned reader.
func (s *Store) OpenDiskSegment(index int) (*DiskSegmentReader, error) {
	r, err := openSegment(s.logPath(index))
	if err != nil {
		return nil, err
	}
	return &DiskSegmentReader{r: r}, nil
}

// DiskSegmentReader streams ops out of one on-disk segment file.
type DiskSegmentReader struct{ r *segmentReader }

// StartSeq is the first seq held by this segment.
func (d *DiskSegmentReader) StartSeq() uint64 { return d.r.start }

// Next returns the next op in the segment, or io.EOF when exhausted.
func (d *DiskSegmentReader) Next() (CachedOp, error) { return d.r.next() }

// Close releases the underlying file handle.
func (d *DiskSegmentReader) Close() error { return d.r.close() }

// Close finishes the currently-open segment and persists the manifest so
// a restart resumes segment numbering where this process left off.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		if err := s.current.close(); err != nil {
			return fmt.Errorf("oplog: close segment %d: %w", s.current.index, err)
		}
		s.current = nil
	}
	return saveManifest(s.dataDir, manifest{NextIndex: s.newestIndex + 1, MaxSeq: s.maxSeq})
}

// RingLen reports how many ops the live ring currently holds (test/metrics
// helper).
func (s *Store) RingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.len()
}
