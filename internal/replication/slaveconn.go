package replication

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SlaveType distinguishes a peer that speaks the native incremental
// protocol from one that only understands the legacy bulk-sync fallback.
type SlaveType int

const (
	// RedisCompat is a peer that issued the legacy `sync` verb.
	RedisCompat SlaveType = iota
	// Native is a peer that issued the native `arsync` verb.
	Native
)

func (t SlaveType) String() string {
	if t == Native {
		return "native"
	}
	return "redis-compat"
}

// SlaveState is the master-side lifecycle state of a connected slave.
type SlaveState int

const (
	// Connected: detached from the main pipeline, waiting to be drained
	// out of the AttachSlave queue.
	Connected SlaveState = iota
	// Syncing: a CatchupTask is actively streaming history to this slave.
	Syncing
	// Synced: caught up; fed directly from the live op-log ring.
	Synced
)

func (s SlaveState) String() string {
	switch s {
	case Connected:
		return "connected"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// SlaveConn is the master's view of one connected slave.
type SlaveConn struct {
	// ID identifies the channel; a CatchupTask looks the slave back up
	// in the service's table each tick rather than holding a
	// back-pointer to it.
	ID string

	conn   net.Conn
	writer *bufio.Writer
	mu     sync.Mutex

	// ServerKey is the slave's currently-known upstream server key, or
	// "-" if unknown (a fresh slave that has never synced with anyone).
	ServerKey string

	// SyncedCmdSeq is the next op-log seq to deliver to this slave.
	SyncedCmdSeq uint64

	State SlaveState
	Type  SlaveType

	// SyncDBs is the optional subset of database ids to replicate; a nil
	// or empty set means "all".
	SyncDBs map[int]bool

	closed bool
}

// NewNativeSlaveConn constructs a SlaveConn for a peer that issued
// `arsync <server_key> <seq> [<db>...]`. A slave's type is fixed at
// construction, never flipped later.
func NewNativeSlaveConn(conn net.Conn, serverKey string, seq uint64, dbs map[int]bool) *SlaveConn {
	return &SlaveConn{
		ID:           uuid.NewString(),
		conn:         conn,
		writer:       bufio.NewWriter(conn),
		ServerKey:    serverKey,
		SyncedCmdSeq: seq,
		State:        Connected,
		Type:         Native,
		SyncDBs:      dbs,
	}
}

// NewCompatSlaveConn constructs a SlaveConn for a peer that issued the
// legacy `sync` verb.
func NewCompatSlaveConn(conn net.Conn) *SlaveConn {
	return &SlaveConn{
		ID:        uuid.NewString(),
		conn:      conn,
		writer:    bufio.NewWriter(conn),
		ServerKey: "-",
		State:     Connected,
		Type:      RedisCompat,
	}
}

// RemoteHost returns the host portion (no port) of the slave's remote
// address, or "" if it cannot be determined. Used to recognize a slave
// connection that is also this server's own upstream master in a chained
// or mesh topology.
func (c *SlaveConn) RemoteHost() string {
	addr := c.conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return strings.TrimSpace(addr.String())
	}
	return host
}

// Write sends raw bytes to the slave and flushes. Failures here are
// transient I/O: the caller is expected to close the channel and drop the
// slave table entry.
func (c *SlaveConn) Write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("slave %s: %w", c.ID, ErrNotConnected)
	}
	if _, err := c.writer.Write(b); err != nil {
		return fmt.Errorf("slave %s: write: %w", c.ID, err)
	}
	return c.writer.Flush()
}

// Close closes the underlying connection. Safe to call more than once.
func (c *SlaveConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}
