// Package replication implements the master side of the replication
// subsystem: the Service event loop, the SlaveConn table, the CatchupTask
// state machine, and the wire encoders the handshake and steady-state
// feed use.
package replication

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/ardbgo/ardb/internal/config"
	"github.com/ardbgo/ardb/internal/oplog"
	"github.com/ardbgo/ardb/internal/replqueue"
	"github.com/ardbgo/ardb/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Service owns the op-log store, the instruction queue, and the slave
// table, and drives them from one logical event loop.
type Service struct {
	log    *zap.Logger
	cfg    *config.Config
	store  *oplog.Store
	engine storage.Engine
	queue  *replqueue.Queue

	// loopMu serializes the loop's work (queue drains, slave
	// attach/feed, catch-up steps, pings) even though each cadence runs
	// on its own goroutine. SlaveConn state and synced_cmd_seq are only
	// ever touched while holding it.
	loopMu sync.Mutex

	mu      sync.Mutex
	slaves  map[string]*SlaveConn
	waiting []*SlaveConn
	tasks   map[string]*CatchupTask

	// upstreamSlaveID, when set, names the SlaveConn entry that
	// corresponds to the node this server itself replicates from in a
	// chained topology. Feeding that slave suppresses from_master ops,
	// breaking the loop.
	upstreamSlaveID string

	// upstreamHost, when set via SetUpstreamHost, is the host this
	// server's own repliclient.Client dials to reach its upstream master.
	// A newly-attached slave whose remote address matches this host is
	// assumed to be that same master connecting back in a mesh topology
	// and is marked upstreamSlaveID automatically.
	upstreamHost string

	// nextChangeFromMaster marks the next engine mutation observed by
	// onChange as having originated from an inbound replicated command,
	// set by ApplyFromMaster immediately before the write it wraps.
	nextChangeFromMaster bool
}

// New constructs a Service. Call Run to start its event loop.
func New(cfg *config.Config, store *oplog.Store, engine storage.Engine, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		log:    logger.Named("replication"),
		cfg:    cfg,
		store:  store,
		engine: engine,
		queue:  replqueue.New(),
		slaves: make(map[string]*SlaveConn),
		tasks:  make(map[string]*CatchupTask),
	}
}

// Init wires this service as the storage engine's change listener.
// On-disk op-log state and the server key were already loaded by
// oplog.Open; this completes initialization by hooking the callbacks.
func (s *Service) Init() {
	s.engine.OnChange(s.onChange)
}

func (s *Service) onChange(ev storage.ChangeEvent) {
	s.mu.Lock()
	fromMaster := s.nextChangeFromMaster
	s.nextChangeFromMaster = false
	s.mu.Unlock()

	if ev.Deleted {
		s.queue.Push(replqueue.Instruction{Kind: replqueue.KindRecordDel, DB: ev.DB, Key: ev.Key, FromMaster: fromMaster})
		return
	}
	s.queue.Push(replqueue.Instruction{Kind: replqueue.KindRecordSet, DB: ev.DB, Key: ev.Key, Value: ev.Value, FromMaster: fromMaster})
}

// ApplyFromMaster applies an inbound replicated write to the local
// storage engine, tagging the resulting op-log entry's from_master flag
// so the feed path can suppress re-forwarding it back toward its origin.
func (s *Service) ApplyFromMaster(db int, key, value string, deleted bool) {
	s.mu.Lock()
	s.nextChangeFromMaster = true
	s.mu.Unlock()

	if deleted {
		s.engine.Delete(db, key)
	} else {
		s.engine.Set(db, key, value)
	}
}

// ServeNativeSlave is called by the command dispatcher when a peer issues
// `arsync`: the connection is detached from the command pipeline and
// handed to the replication loop.
func (s *Service) ServeNativeSlave(conn net.Conn, serverKey string, seq uint64, dbs map[int]bool) {
	slave := NewNativeSlaveConn(conn, serverKey, seq, dbs)
	s.queue.Push(replqueue.Instruction{Kind: replqueue.KindAttachSlave, Slave: slave})
}

// ServeCompatSlave is the same hand-off for the legacy `sync` verb.
func (s *Service) ServeCompatSlave(conn net.Conn) {
	slave := NewCompatSlaveConn(conn)
	s.queue.Push(replqueue.Instruction{Kind: replqueue.KindAttachSlave, Slave: slave})
}

// RecordRedisCommand enqueues an opaque write whose effect cannot be
// expressed as a plain set/del.
func (s *Service) RecordRedisCommand(db int, cmd string, args []string) {
	s.queue.Push(replqueue.Instruction{Kind: replqueue.KindRecordRedis, DB: db, Cmd: cmd, Args: args})
}

// SetUpstream records which attached slave corresponds to this server's
// own upstream master, for loop-avoidance.
func (s *Service) SetUpstream(slaveID string) {
	s.mu.Lock()
	s.upstreamSlaveID = slaveID
	s.mu.Unlock()
}

// SetUpstreamHost records the host this server's own repliclient.Client
// dials as its upstream master. From then on, any newly-attached slave
// whose remote address resolves to the same host is assumed to be that
// master replicating back in a mesh topology and is marked via
// SetUpstream automatically, so its from_master ops are never fed back to
// it. cmd/ardb-server wires this from the replication-master-host flag
// when run as a replica.
func (s *Service) SetUpstreamHost(host string) {
	s.mu.Lock()
	s.upstreamHost = host
	s.mu.Unlock()
}

// maybeMarkUpstream marks slave as the upstream entry if its remote
// address matches the configured upstream host (see SetUpstreamHost).
func (s *Service) maybeMarkUpstream(slave *SlaveConn) {
	s.mu.Lock()
	host := s.upstreamHost
	s.mu.Unlock()
	if host == "" {
		return
	}
	if remote := slave.RemoteHost(); remote != "" && remote == host {
		s.SetUpstream(slave.ID)
	}
}

// Run drives the event loop until ctx is canceled: the queue drain (woken
// by the soft signal or a 100ms safety-net timer), the slave ping
// heartbeat, and the 1ms catch-up task scheduler. Each concern runs on
// its own goroutine under an errgroup sharing one cancellation context;
// each loop returns nil once ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.drainLoop(ctx) })
	g.Go(func() error { return s.pingLoop(ctx) })
	g.Go(func() error { return s.catchupLoop(ctx) })

	return g.Wait()
}

func (s *Service) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.queue.Wake():
			s.drainOnce()
		case <-ticker.C:
			s.drainOnce()
		}
	}
}

func (s *Service) drainOnce() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	instrs := s.queue.Drain(kMaxSyncRecordsPeriod)
	if len(instrs) == 0 {
		return
	}
	for _, instr := range instrs {
		switch instr.Kind {
		case replqueue.KindAttachSlave:
			if slave, ok := instr.Slave.(*SlaveConn); ok {
				s.mu.Lock()
				s.waiting = append(s.waiting, slave)
				s.mu.Unlock()
			}
		case replqueue.KindRecordSet:
			s.store.RecordSet(instr.DB, instr.Key, instr.Value, instr.FromMaster)
		case replqueue.KindRecordDel:
			s.store.RecordDel(instr.DB, instr.Key, instr.FromMaster)
		case replqueue.KindRecordRedis:
			s.store.RecordRedis(instr.DB, instr.Cmd, instr.Args, instr.FromMaster)
		}
	}
	s.checkSlaveQueue()
	s.feedSyncedSlaves()
}

// checkSlaveQueue drains the waiting queue: attach
// each newly-arrived slave to the active table, sending the
// protocol-specific preamble and deciding whether it starts Synced or
// needs a CatchupTask.
func (s *Service) checkSlaveQueue() {
	s.mu.Lock()
	pending := s.waiting
	s.waiting = nil
	s.mu.Unlock()

	for _, slave := range pending {
		s.attachSlave(slave)
	}
}

func (s *Service) attachSlave(slave *SlaveConn) {
	s.maybeMarkUpstream(slave)

	if slave.Type == RedisCompat {
		if err := slave.Write(encodeFakeRDB()); err != nil {
			s.log.Warn("failed to send fake RDB header", zap.String("slave_id", slave.ID), zap.Error(err))
			slave.Close()
			return
		}
		slave.State = Synced
		s.mu.Lock()
		s.slaves[slave.ID] = slave
		s.mu.Unlock()
		return
	}

	if err := slave.Write(encodeEmptyBulk()); err != nil {
		s.log.Warn("failed to send empty bulk preamble", zap.String("slave_id", slave.ID), zap.Error(err))
		slave.Close()
		return
	}

	if s.store.VerifyClient(slave.ServerKey, slave.SyncedCmdSeq) {
		if err := slave.Write(encodeArsynced(s.store.ServerKey(), slave.SyncedCmdSeq)); err != nil {
			s.log.Warn("failed to send arsynced", zap.String("slave_id", slave.ID), zap.Error(err))
			slave.Close()
			return
		}
		slave.SyncedCmdSeq++
		slave.State = Synced
		s.mu.Lock()
		s.slaves[slave.ID] = slave
		s.mu.Unlock()
		return
	}

	if slave.ServerKey != s.store.ServerKey() {
		slave.SyncedCmdSeq = 0
	}
	slave.State = Syncing
	s.mu.Lock()
	s.slaves[slave.ID] = slave
	isUpstream := slave.ID == s.upstreamSlaveID
	s.tasks[slave.ID] = newCatchupTask(slave, s.store, s.engine, isUpstream, s.log)
	s.mu.Unlock()
}

// feedSyncedSlaves implements the steady-state feed path: every Synced
// slave is drained from the live ring until load_op reports nothing
// further remains.
func (s *Service) feedSyncedSlaves() {
	s.mu.Lock()
	targets := make([]*SlaveConn, 0, len(s.slaves))
	for _, slave := range s.slaves {
		if slave.State == Synced {
			targets = append(targets, slave)
		}
	}
	upstream := s.upstreamSlaveID
	s.mu.Unlock()

	for _, slave := range targets {
		s.feedOne(slave, upstream)
	}
}

func (s *Service) feedOne(slave *SlaveConn, upstream string) {
	for {
		ops, more := s.store.LoadOps(slave.SyncDBs, slave.SyncedCmdSeq, kMaxSyncRecordsPeriod, slave.ID == upstream)
		native := slave.Type == Native
		for _, op := range ops {
			encoded := encodeReplicatedCommand(op, native)
			if encoded == nil {
				continue
			}
			if err := slave.Write(encoded); err != nil {
				s.log.Info("slave write failed, detaching", zap.String("slave_id", slave.ID), zap.Error(err))
				s.detachSlave(slave.ID)
				return
			}
			slave.SyncedCmdSeq = op.Seq + 1
		}
		if !more {
			return
		}
	}
}

func (s *Service) detachSlave(id string) {
	s.mu.Lock()
	slave, ok := s.slaves[id]
	delete(s.slaves, id)
	delete(s.tasks, id)
	s.mu.Unlock()
	if ok {
		slave.Close()
	}
}

// slaveByID looks up an attached slave by id, returning ErrSlaveGone if
// it has already been detached; a CatchupTask detects the missing
// SlaveConn at its next tick and self-terminates.
func (s *Service) slaveByID(id string) (*SlaveConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slave, ok := s.slaves[id]
	if !ok {
		return nil, ErrSlaveGone
	}
	return slave, nil
}

func (s *Service) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ReplPingSlavePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.pingAll()
		}
	}
}

func (s *Service) pingAll() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	s.mu.Lock()
	targets := make([]*SlaveConn, 0, len(s.slaves))
	for _, slave := range s.slaves {
		targets = append(targets, slave)
	}
	s.mu.Unlock()

	for _, slave := range targets {
		if err := slave.Write(encodePing()); err != nil {
			s.log.Info("ping failed, detaching", zap.String("slave_id", slave.ID), zap.Error(err))
			s.detachSlave(slave.ID)
		}
	}
}

// catchupLoop steps every active CatchupTask once per 1ms tick.
func (s *Service) catchupLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.stepTasks()
		}
	}
}

func (s *Service) stepTasks() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	s.mu.Lock()
	type pair struct {
		id   string
		task *CatchupTask
	}
	pairs := make([]pair, 0, len(s.tasks))
	for id, task := range s.tasks {
		pairs = append(pairs, pair{id, task})
	}
	s.mu.Unlock()

	for _, p := range pairs {
		slave, err := s.slaveByID(p.id)
		if err != nil {
			// Slave channel closed underneath the task; self-terminate.
			s.log.Debug("catchup task's slave is gone, self-terminating", zap.String("slave_id", p.id), zap.Error(err))
			s.mu.Lock()
			delete(s.tasks, p.id)
			s.mu.Unlock()
			continue
		}

		done, err := p.task.step(slave)
		if err != nil {
			s.log.Info("catchup task failed", zap.String("slave_id", p.id), zap.Error(err))
			s.onLoadSynced(p.id, false)
			continue
		}
		if done {
			s.onLoadSynced(p.id, true)
		}
	}
}

// onLoadSynced is the catch-up completion hook: on failure
// the slave channel closes and its entry is dropped; either way every
// surviving Synced slave is fed, since ring ops accumulate while a task
// runs and the next queue drain may be far off on an idle master.
func (s *Service) onLoadSynced(id string, success bool) {
	s.mu.Lock()
	delete(s.tasks, id)
	s.mu.Unlock()
	if !success {
		s.detachSlave(id)
	}
	s.feedSyncedSlaves()
}

// SlaveCount reports how many slaves are currently attached (test/metrics
// helper).
func (s *Service) SlaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slaves)
}
