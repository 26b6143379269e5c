// Package repliclient implements the slave side of the replication
// subsystem: the outbound handshake state machine, protocol downgrade to
// the legacy bulk-sync fallback, and sync-state persistence to
// repl.sync.state.
package repliclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ardbgo/ardb/internal/protocol"
	"github.com/ardbgo/ardb/internal/replication"
	"go.uber.org/zap"
)

// State is the slave-side connection lifecycle.
type State int

const (
	Idle State = iota
	Connecting
	WaitingReplConfAck
	AwaitingBulkHeader
	ReceivingBulk
	Synced
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case WaitingReplConfAck:
		return "waiting_replconf_ack"
	case AwaitingBulkHeader:
		return "awaiting_bulk_header"
	case ReceivingBulk:
		return "receiving_bulk"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// ServerType records whether the upstream turned out to speak the native
// protocol or only the legacy fallback.
type ServerType int

const (
	ServerTypeUnknown ServerType = iota
	Native
	RedisCompat
)

// Executor applies one decoded replicated command to the local state. It
// is the minimal slice of the command dispatcher the slave client drives.
type Executor interface {
	Apply(args []string, fromMaster bool) error
}

// Options configures a Client.
type Options struct {
	DataDir                string
	ReplTimeout            time.Duration
	SyncStatePersistPeriod time.Duration
	ListeningPort          int
	SyncDBs                []int
	Executor               Executor
	Logger                 *zap.Logger

	// Dial returns a fresh connection to the master. Exposed as a field
	// rather than a bare address so tests can wire in net.Pipe.
	Dial func(ctx context.Context) (net.Conn, error)
}

// Client is the outbound slave connection state machine.
type Client struct {
	opts Options
	log  *zap.Logger

	mu         sync.Mutex
	state      State
	serverKey  string
	syncSeq    uint64
	serverType ServerType
	lastPing   time.Time
}

// New constructs a Client, loading any previously-persisted sync state.
func New(opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	serverKey, seq, err := loadSyncState(opts.DataDir)
	if err != nil {
		return nil, err
	}
	return &Client{
		opts:      opts,
		log:       opts.Logger.Named("repliclient"),
		state:     Idle,
		serverKey: serverKey,
		syncSeq:   seq,
	}, nil
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the client until ctx is canceled: connect, handshake, stream
// commands; on any failure, wait 1s and reconnect, starting over from
// whatever (server_key, seq) was last recorded.
func (c *Client) Run(ctx context.Context) error {
	go c.persistLoop(ctx)

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := c.connectOnce(ctx)
		c.setState(Idle)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.log.Info("replication connection ended, reconnecting", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(1000 * time.Millisecond):
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.setState(Connecting)
	conn, err := c.opts.Dial(ctx)
	if err != nil {
		return fmt.Errorf("repliclient: dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	c.setState(WaitingReplConfAck)
	if _, err := conn.Write(encodeReplConf(c.opts.ListeningPort)); err != nil {
		return fmt.Errorf("repliclient: send replconf: %w", err)
	}

	r := bufio.NewReader(conn)
	if err := c.setReadDeadline(conn); err != nil {
		return err
	}
	ackLine, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("repliclient: read replconf ack: %w", err)
	}
	if len(ackLine) == 0 || (ackLine[0] != '+' && ackLine[0] != '-') {
		return fmt.Errorf("%w: replconf ack %q", replication.ErrBadHandshake, ackLine)
	}

	c.mu.Lock()
	serverKey, seq := c.serverKey, c.syncSeq
	c.mu.Unlock()

	c.setState(AwaitingBulkHeader)
	var dbs []int
	if seq != 0 || serverKey != "-" {
		dbs = c.opts.SyncDBs
	}
	if _, err := conn.Write(encodeArsync(serverKey, seq, dbs)); err != nil {
		return fmt.Errorf("repliclient: send arsync: %w", err)
	}

	serverType, err := c.readBulkHeaderAndDowngrade(conn, r)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.serverType = serverType
	c.mu.Unlock()

	c.setState(ReceivingBulk)
	if serverType == RedisCompat {
		c.setState(Synced)
	}

	return c.commandLoop(conn, r)
}

// readBulkHeaderAndDowngrade peeks the first byte of the master's reply
// to arsync. A leading `-` means the peer rejected the native verb;
// downgrade to `sync` unless the payload identifies itself as a native
// peer reporting an unrelated error. A leading `$` is a bulk length
// header; parse and discard its payload.
func (c *Client) readBulkHeaderAndDowngrade(conn net.Conn, r *bufio.Reader) (ServerType, error) {
	downgraded := false
	for {
		if err := c.setReadDeadline(conn); err != nil {
			return ServerTypeUnknown, err
		}
		b, err := r.ReadByte()
		if err != nil {
			return ServerTypeUnknown, fmt.Errorf("repliclient: read bulk header: %w", err)
		}

		switch b {
		case '-':
			line, err := r.ReadString('\n')
			if err != nil {
				return ServerTypeUnknown, fmt.Errorf("repliclient: read error payload: %w", err)
			}
			if strings.Contains(line, "Ardb") {
				return ServerTypeUnknown, fmt.Errorf("%w: native peer rejected arsync: %s", replication.ErrBadHandshake, strings.TrimSpace(line))
			}
			if _, err := conn.Write(encodeSync()); err != nil {
				return ServerTypeUnknown, fmt.Errorf("repliclient: send sync: %w", err)
			}
			downgraded = true
			// Remain in AwaitingBulkHeader and loop for the next bulk
			// header.
			continue

		case '$':
			chunkLen, err := readDecimalLine(r)
			if err != nil {
				return ServerTypeUnknown, fmt.Errorf("repliclient: parse bulk length: %w", err)
			}
			if chunkLen > 0 {
				if _, err := io.CopyN(io.Discard, r, int64(chunkLen)); err != nil {
					return ServerTypeUnknown, fmt.Errorf("repliclient: discard bulk payload: %w", err)
				}
			}
			if downgraded {
				return RedisCompat, nil
			}
			return Native, nil

		default:
			c.log.Warn("unexpected byte in bulk header position, discarding", zap.Uint8("byte", b))
			continue
		}
	}
}

// readDecimalLine parses ASCII digits one byte at a time until the
// terminating CRLF (or bare LF). Each byte is its own blocking read, so a
// header delivered one byte per TCP segment parses the same as one that
// arrives whole.
func readDecimalLine(r *bufio.Reader) (int, error) {
	n := 0
	sawDigit := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		switch {
		case b >= '0' && b <= '9':
			n = n*10 + int(b-'0')
			sawDigit = true
		case b == '\r':
			next, err := r.ReadByte()
			if err != nil {
				return 0, err
			}
			if next != '\n' {
				return 0, fmt.Errorf("%w: expected LF after CR in bulk header", replication.ErrBadHandshake)
			}
			if !sawDigit {
				return 0, fmt.Errorf("%w: empty bulk header length", replication.ErrBadHandshake)
			}
			return n, nil
		case b == '\n':
			if !sawDigit {
				return 0, fmt.Errorf("%w: empty bulk header length", replication.ErrBadHandshake)
			}
			return n, nil
		default:
			return 0, fmt.Errorf("%w: non-digit %q in bulk header", replication.ErrBadHandshake, b)
		}
	}
}

// commandLoop runs once the bulk payload is drained: every subsequent
// frame is a RESP command (for replicated writes) or an inline line
// (`arsynced ...`, `PING`). Both forms are handled uniformly by
// protocol.ParseCommand.
func (c *Client) commandLoop(conn net.Conn, r *bufio.Reader) error {
	for {
		if err := c.setReadDeadline(conn); err != nil {
			return err
		}
		cmd, err := protocol.ParseCommand(r)
		if err != nil {
			return fmt.Errorf("repliclient: read command: %w", err)
		}
		if len(cmd.Args) == 0 {
			continue
		}

		verb := strings.ToLower(cmd.Args[0])
		switch verb {
		case "ping":
			c.mu.Lock()
			c.lastPing = time.Now()
			c.mu.Unlock()
			continue
		case "arsynced":
			if len(cmd.Args) < 3 {
				return fmt.Errorf("%w: malformed arsynced line", replication.ErrBadHandshake)
			}
			seq, err := strconv.ParseUint(cmd.Args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: malformed arsynced seq: %v", replication.ErrBadHandshake, err)
			}
			c.mu.Lock()
			c.serverKey = cmd.Args[1]
			c.syncSeq = seq
			c.lastPing = time.Now()
			c.mu.Unlock()
			c.setState(Synced)
			continue
		}

		args := cmd.Args
		c.mu.Lock()
		// Catch-up stream frames (everything before arsynced) carry no
		// trailing seq token; only the steady-state feed appends one.
		stripSeq := c.serverType == Native && c.state == Synced
		c.mu.Unlock()

		if stripSeq {
			if len(args) < 2 {
				return fmt.Errorf("%w: native command missing trailing seq token", replication.ErrBadHandshake)
			}
			seq, err := strconv.ParseUint(args[len(args)-1], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: malformed trailing seq token: %v", replication.ErrBadHandshake, err)
			}
			args = args[:len(args)-1]
			c.mu.Lock()
			c.syncSeq = seq
			c.mu.Unlock()
		}

		if c.opts.Executor != nil {
			if err := c.opts.Executor.Apply(args, true); err != nil {
				c.log.Warn("replicated command failed to apply", zap.Strings("args", args), zap.Error(err))
			}
		}
	}
}

func (c *Client) setReadDeadline(conn net.Conn) error {
	if c.opts.ReplTimeout <= 0 {
		return nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(c.opts.ReplTimeout)); err != nil {
		return fmt.Errorf("repliclient: set read deadline: %w", err)
	}
	return nil
}

func (c *Client) persistLoop(ctx context.Context) {
	period := c.opts.SyncStatePersistPeriod
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			key, seq := c.serverKey, c.syncSeq
			c.mu.Unlock()
			if key == "-" {
				continue
			}
			if err := saveSyncState(c.opts.DataDir, key, seq); err != nil {
				c.log.Warn("failed to persist sync state", zap.Error(err))
			}
		}
	}
}
