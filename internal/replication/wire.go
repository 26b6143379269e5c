package replication

import (
	"fmt"
	"strconv"

	"github.com/ardbgo/ardb/internal/oplog"
	"github.com/ardbgo/ardb/internal/protocol"
)

// The master's half of the handshake preamble (the empty bulk chunk,
// arsynced, PING) is exchanged as bare CRLF-terminated lines, not RESP
// arrays. Only the steady-state command stream switches to RESP array
// encoding. The slave's half (replconf / arsync / sync) is encoded by
// the repliclient package.

// encodeEmptyBulk is the master's placeholder reply to a native arsync
// request, sent before the arsynced line or catch-up stream begins.
func encodeEmptyBulk() []byte {
	return []byte("$0\r\n")
}

// encodeFakeRDB is the master's reply to a legacy sync request: a bulk
// string holding a fixed fake RDB payload the slave is expected to discard
// without parsing.
func encodeFakeRDB() []byte {
	return []byte("$10\r\nREDIS0004\xff")
}

// encodeArsynced builds the master's acknowledgement that a slave has
// reached the live incremental feed.
func encodeArsynced(serverKey string, seq uint64) []byte {
	return []byte(fmt.Sprintf("arsynced %s %d\r\n", serverKey, seq))
}

// encodePing builds the master's heartbeat line.
func encodePing() []byte {
	return []byte("PING\r\n")
}

// cachedOpToRedis translates an op-log entry into the Redis command form
// it is replayed as. Callers append the trailing seq token themselves for
// native slaves; legacy slaves get the bare command.
func cachedOpToRedis(op oplog.CachedOp) []string {
	switch op.Kind {
	case oplog.OpSet:
		return []string{"SET", op.Key, op.Value}
	case oplog.OpDel:
		return []string{"DEL", op.Key}
	case oplog.OpRedis:
		return append([]string{op.Cmd}, op.Args...)
	default:
		return nil
	}
}

// encodeReplicatedCommand encodes op as a RESP array, appending the
// trailing seq token when the target is a native slave.
func encodeReplicatedCommand(op oplog.CachedOp, native bool) []byte {
	args := cachedOpToRedis(op)
	if args == nil {
		return nil
	}
	if native {
		args = append(append([]string{}, args...), strconv.FormatUint(op.Seq, 10))
	}
	return protocol.EncodeArray(args)
}

// encodeIterDBSet encodes one full-snapshot row as `__set__ key value`.
// Snapshot rows are catch-up stream frames and so never carry a trailing
// seq token; the receiving slave applies them verbatim until arsynced
// arrives.
func encodeIterDBSet(key, value string) []byte {
	return protocol.EncodeArray([]string{"__set__", key, value})
}
