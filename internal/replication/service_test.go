package replication

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/ardbgo/ardb/internal/config"
	"github.com/ardbgo/ardb/internal/oplog"
	"github.com/ardbgo/ardb/internal/protocol"
	"github.com/ardbgo/ardb/internal/storage"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *storage.MemEngine) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ReplPingSlavePeriod = 20 * time.Millisecond

	store, err := oplog.Open(oplog.Options{
		DataDir:       t.TempDir(),
		RingCapacity:  64,
		BacklogSize:   32,
		MaxBackupLogs: 4,
		ServerKey:     "test-master-key",
	})
	if err != nil {
		t.Fatalf("oplog.Open: %v", err)
	}

	engine := storage.NewMemEngine()
	svc := New(cfg, store, engine, nil)
	svc.Init()
	return svc, engine
}

// TestFreshNativeSlaveReachesSynced: a fresh native slave catches up
// through the full-snapshot/disk-log/ring phases and ends up Synced with
// the master's current state.
func TestFreshNativeSlaveReachesSynced(t *testing.T) {
	svc, engine := newTestService(t)

	engine.Set(0, "a", "1")
	engine.Set(0, "b", "2")
	engine.Delete(0, "a")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	svc.ServeNativeSlave(serverConn, "-", 0, nil)

	r := bufio.NewReader(clientConn)

	// empty bulk preamble
	mustReadExactly(t, r, 4) // "$0\r\n"

	lines := readUntilArsynced(t, r, 3*time.Second)
	joined := strings.Join(lines, "")
	if !strings.Contains(joined, "__set__\r\n$1\r\nb\r\n$1\r\n2\r\n") {
		t.Fatalf("expected a __set__ b 2 frame among %v", lines)
	}
	if strings.Contains(joined, "$1\r\na\r\n") {
		t.Fatalf("did not expect deleted key a in snapshot: %v", lines)
	}
}

// TestResumeAckCarriesPreIncrementSeq: a slave presenting a verified
// (server_key, seq) gets an `arsynced` line carrying the seq the master
// actually verified, and only afterwards does synced_cmd_seq advance
// past it.
func TestResumeAckCarriesPreIncrementSeq(t *testing.T) {
	svc, _ := newTestService(t)

	for i := 0; i < 10; i++ {
		svc.store.RecordSet(0, fmt.Sprintf("k%d", i), "v", false)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	svc.ServeNativeSlave(serverConn, svc.store.ServerKey(), 7, nil)

	r := bufio.NewReader(clientConn)
	mustReadExactly(t, r, 4) // "$0\r\n"

	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read arsynced line: %v", err)
	}
	want := "arsynced " + svc.store.ServerKey() + " 7\r\n"
	if line != want {
		t.Fatalf("got %q, want %q (ack must carry the verified seq, not seq+1)", line, want)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		svc.mu.Lock()
		var seq uint64
		var found bool
		for _, s := range svc.slaves {
			seq, found = s.SyncedCmdSeq, true
		}
		svc.mu.Unlock()
		if found && seq == 8 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("synced_cmd_seq never advanced to 8 after the ack was sent")
}

// TestUpstreamHostSuppressesFromMasterOps: once SetUpstreamHost
// recognizes a newly-attached slave as this server's own upstream master
// (by matching remote address), ops recorded with from_master=true are
// never fed back to it.
func TestUpstreamHostSuppressesFromMasterOps(t *testing.T) {
	svc, _ := newTestService(t)
	svc.SetUpstreamHost("pipe")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	svc.ServeNativeSlave(serverConn, "-", 0, nil)

	r := bufio.NewReader(clientConn)
	mustReadExactly(t, r, 4) // "$0\r\n"
	readUntilArsynced(t, r, 3*time.Second)

	deadline := time.Now().Add(2 * time.Second)
	var upstream string
	for time.Now().Before(deadline) {
		svc.mu.Lock()
		upstream = svc.upstreamSlaveID
		svc.mu.Unlock()
		if upstream != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if upstream == "" {
		t.Fatalf("expected the attached slave to be auto-marked as upstream via SetUpstreamHost")
	}

	svc.ApplyFromMaster(0, "x", "1", false)

	clientConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			break // deadline hit with nothing but heartbeats seen
		}
		if strings.TrimSpace(line) == "PING" {
			continue
		}
		t.Fatalf("expected the from_master op not to be fed back to the recognized upstream, got %q", line)
	}
}

// TestCatchupReplaysDiskLogsThenRing: a slave resuming from a seq whose
// successors live in an on-disk segment is caught up by disk replay
// (bare commands, no seq tokens), acked with arsynced, then fed the ring
// tail with trailing seq tokens.
func TestCatchupReplaysDiskLogsThenRing(t *testing.T) {
	cfg := config.DefaultConfig()
	store, err := oplog.Open(oplog.Options{
		DataDir:       t.TempDir(),
		RingCapacity:  4,
		BacklogSize:   8,
		MaxBackupLogs: 4,
		ServerKey:     "test-master-key",
	})
	if err != nil {
		t.Fatalf("oplog.Open: %v", err)
	}
	engine := storage.NewMemEngine()
	svc := New(cfg, store, engine, nil)
	svc.Init()

	for i := 1; i <= 12; i++ {
		store.RecordSet(0, fmt.Sprintf("k%02d", i), "v", false)
	}
	// seqs 1..8 now live in the first disk segment, 9..12 in the ring

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	svc.ServeNativeSlave(serverConn, store.ServerKey(), 3, nil)

	r := bufio.NewReader(clientConn)
	mustReadExactly(t, r, 4) // "$0\r\n"

	clientConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for want := 4; want <= 8; want++ {
		cmd, err := protocol.ParseCommand(r)
		if err != nil {
			t.Fatalf("read disk replay frame for seq %d: %v", want, err)
		}
		wantKey := fmt.Sprintf("k%02d", want)
		if len(cmd.Args) != 3 || cmd.Args[0] != "SET" || cmd.Args[1] != wantKey {
			t.Fatalf("disk replay frame = %v, want bare [SET %s v]", cmd.Args, wantKey)
		}
	}

	ack, err := protocol.ParseCommand(r)
	if err != nil {
		t.Fatalf("read arsynced: %v", err)
	}
	if len(ack.Args) != 3 || ack.Args[0] != "arsynced" || ack.Args[1] != store.ServerKey() || ack.Args[2] != "8" {
		t.Fatalf("got %v, want [arsynced %s 8]", ack.Args, store.ServerKey())
	}

	for want := 9; want <= 12; want++ {
		cmd, err := protocol.ParseCommand(r)
		if err != nil {
			t.Fatalf("read ring feed frame for seq %d: %v", want, err)
		}
		wantKey := fmt.Sprintf("k%02d", want)
		wantSeq := fmt.Sprintf("%d", want)
		if len(cmd.Args) != 4 || cmd.Args[1] != wantKey || cmd.Args[3] != wantSeq {
			t.Fatalf("ring feed frame = %v, want [SET %s v %s]", cmd.Args, wantKey, wantSeq)
		}
	}
}

// newGappedStore builds a store whose oldest history has rolled off
// entirely: with ring capacity 2, 4 ops per segment, and 2 retained
// segments, 20 records leave seqs 1..12 gone, 13..18 in retained disk
// segments (13..16 closed, 17..18 in the open one), and 19..20 in the ring.
func newGappedStore(t *testing.T) *oplog.Store {
	t.Helper()
	store, err := oplog.Open(oplog.Options{
		DataDir:       t.TempDir(),
		RingCapacity:  2,
		BacklogSize:   4,
		MaxBackupLogs: 2,
		ServerKey:     "test-master-key",
	})
	if err != nil {
		t.Fatalf("oplog.Open: %v", err)
	}
	for i := 1; i <= 20; i++ {
		store.RecordSet(0, fmt.Sprintf("k%02d", i), "v", false)
	}
	return store
}

// TestCatchupHistoryGapFailsWithErrHistoryGap: an upstream slave is
// forced into disk replay regardless of where its seq falls; when that
// seq predates the oldest retained segment, no segment can serve it and
// the task fails with ErrHistoryGap.
func TestCatchupHistoryGapFailsWithErrHistoryGap(t *testing.T) {
	store := newGappedStore(t)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	slave := NewNativeSlaveConn(serverConn, store.ServerKey(), 3, nil)
	task := newCatchupTask(slave, store, storage.NewMemEngine(), true, zap.NewNop())

	_, err := task.step(slave)
	if !errors.Is(err, ErrHistoryGap) {
		t.Fatalf("step() error = %v, want ErrHistoryGap", err)
	}
}

// TestHistoryGapDetachesSlaveThenFullResync: a history-gap failure
// closes the slave channel and removes its table entry; when the same
// too-old position is presented again without the upstream marking, the
// master falls back to a full snapshot catch-up instead of retrying
// disk replay forever.
func TestHistoryGapDetachesSlaveThenFullResync(t *testing.T) {
	cfg := config.DefaultConfig()
	engine := storage.NewMemEngine()
	engine.Set(0, "snap", "1") // seeded before Init so only the keyspace sees it
	store := newGappedStore(t)
	svc := New(cfg, store, engine, nil)
	svc.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	// First attempt: the remote-host match marks the slave as upstream,
	// forcing disk replay for a seq that predates every retained segment.
	svc.SetUpstreamHost("pipe")
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	svc.ServeNativeSlave(serverConn, store.ServerKey(), 3, nil)

	r := bufio.NewReader(clientConn)
	mustReadExactly(t, r, 4) // "$0\r\n"

	clientConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected the channel to close after the history-gap failure, got err %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for svc.SlaveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slave entry was never removed after the failed catch-up")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Second attempt: same (server_key, seq), no upstream marking. The
	// seq fails verification and predates the disk logs, so the task
	// starts with a full snapshot and ends with arsynced.
	svc.SetUpstreamHost("")
	clientConn2, serverConn2 := net.Pipe()
	defer clientConn2.Close()

	svc.ServeNativeSlave(serverConn2, store.ServerKey(), 3, nil)

	r2 := bufio.NewReader(clientConn2)
	mustReadExactly(t, r2, 4) // "$0\r\n"

	lines := readUntilArsynced(t, r2, 3*time.Second)
	joined := strings.Join(lines, "")
	if !strings.Contains(joined, "__set__") {
		t.Fatalf("expected a full snapshot resync (__set__ frames), got %v", lines)
	}
	if !strings.Contains(joined, "$4\r\nsnap\r\n") {
		t.Fatalf("expected the seeded key in the snapshot stream, got %v", lines)
	}
}

// TestLegacySlaveGetsFakeRDB: a compat slave is immediately marked
// Synced after the fake RDB header.
func TestLegacySlaveGetsFakeRDB(t *testing.T) {
	svc, _ := newTestService(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	svc.ServeCompatSlave(serverConn)

	buf := make([]byte, 15)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := readFull(clientConn, buf)
	if err != nil {
		t.Fatalf("read fake RDB: %v (n=%d)", err, n)
	}
	if string(buf) != "$10\r\nREDIS0004\xff" {
		t.Fatalf("got %q", buf)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if svc.SlaveCount() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("slave never reached active table")
}

func mustReadExactly(t *testing.T, r *bufio.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := readFullBuffered(r, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func readFullBuffered(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readUntilArsynced(t *testing.T, r *bufio.Reader, timeout time.Duration) []string {
	t.Helper()
	var lines []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			lines = append(lines, line)
			if strings.HasPrefix(line, "arsynced") {
				return
			}
		}
	}()

	select {
	case <-done:
		return lines
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for arsynced; saw %v", lines)
		return nil
	}
}
