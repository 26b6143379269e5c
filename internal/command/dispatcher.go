// Package command implements a minimal command executor/dispatcher: just
// enough of SET, DEL, GET, PING, REPLCONF, and the sync verbs to drive
// the replication subsystem end to end. The full Redis command set
// (lists, sets, hashes, zsets, sort, scripting) is not implemented here.
package command

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/ardbgo/ardb/internal/protocol"
	"github.com/ardbgo/ardb/internal/replication"
	"github.com/ardbgo/ardb/internal/storage"
	"go.uber.org/zap"
)

// Dispatcher executes commands against a storage engine, recording
// replicated writes through a replication.Service when one is attached
// (a pure slave-only process runs with svc nil: it only ever applies
// inbound replicated commands via Apply, never originates its own).
type Dispatcher struct {
	engine storage.Engine
	svc    *replication.Service
	log    *zap.Logger
}

// New constructs a Dispatcher. svc may be nil.
func New(engine storage.Engine, svc *replication.Service, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{engine: engine, svc: svc, log: logger.Named("command")}
}

// Execute runs one client-issued command and returns the RESP-encoded
// reply. conn is passed through to the replication service for the sync
// verbs, which detach it from the normal command pipeline.
func (d *Dispatcher) Execute(conn net.Conn, cmd *protocol.Command) []byte {
	if len(cmd.Args) == 0 {
		return protocol.EncodeError("ERR empty command")
	}

	verb := strings.ToUpper(cmd.Args[0])
	switch verb {
	case "PING":
		return protocol.EncodeSimpleString("PONG")

	case "GET":
		if len(cmd.Args) != 2 {
			return protocol.EncodeError("ERR wrong number of arguments for 'get' command")
		}
		value, ok := d.engine.Get(0, cmd.Args[1])
		if !ok {
			return protocol.EncodeNullBulkString()
		}
		return protocol.EncodeBulkString(value)

	case "SET", "__SET__":
		if len(cmd.Args) != 3 {
			return protocol.EncodeError("ERR wrong number of arguments for 'set' command")
		}
		d.engine.Set(0, cmd.Args[1], cmd.Args[2])
		// engine.Set fires the change listener the replication service
		// registered in Init, which records the op-log entry. __set__ is
		// accepted here only for direct testing; in a running replica it
		// arrives through Apply below, not this client-facing path.
		return protocol.EncodeSimpleString("OK")

	case "DEL":
		if len(cmd.Args) != 2 {
			return protocol.EncodeError("ERR wrong number of arguments for 'del' command")
		}
		if d.engine.Delete(0, cmd.Args[1]) {
			return protocol.EncodeBulkString("1")
		}
		return protocol.EncodeBulkString("0")

	case "REPLCONF":
		return protocol.EncodeSimpleString("OK")

	case "ARSYNC":
		return d.handleArsync(conn, cmd.Args[1:])

	case "SYNC":
		if d.svc == nil {
			return protocol.EncodeError("ERR replication not enabled")
		}
		d.svc.ServeCompatSlave(conn)
		return nil

	default:
		return protocol.EncodeError(fmt.Sprintf("ERR unknown command '%s'", cmd.Args[0]))
	}
}

func (d *Dispatcher) handleArsync(conn net.Conn, args []string) []byte {
	if d.svc == nil {
		return protocol.EncodeError("ERR replication not enabled")
	}
	if len(args) < 2 {
		return protocol.EncodeError("ERR wrong number of arguments for 'arsync' command")
	}
	serverKey := args[0]
	seq, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return protocol.EncodeError("ERR malformed seq in arsync")
	}

	var dbs map[int]bool
	if len(args) > 2 {
		dbs = make(map[int]bool, len(args)-2)
		for _, a := range args[2:] {
			db, err := strconv.Atoi(a)
			if err != nil {
				return protocol.EncodeError("ERR malformed db id in arsync")
			}
			dbs[db] = true
		}
	}

	d.svc.ServeNativeSlave(conn, serverKey, seq, dbs)
	return nil
}

// Apply implements repliclient.Executor: applying one replicated command
// received as a slave. Only the small command surface this repository
// understands (SET/DEL/__set__) is supported; anything else is logged
// and dropped rather than failing the whole replication stream.
func (d *Dispatcher) Apply(args []string, fromMaster bool) error {
	if len(args) == 0 {
		return nil
	}
	verb := strings.ToUpper(args[0])
	switch verb {
	case "SET", "__SET__":
		if len(args) != 3 {
			return fmt.Errorf("command: malformed replicated set: %v", args)
		}
		if d.svc != nil {
			d.svc.ApplyFromMaster(0, args[1], args[2], false)
		} else {
			d.engine.Set(0, args[1], args[2])
		}
		return nil
	case "DEL":
		if len(args) != 2 {
			return fmt.Errorf("command: malformed replicated del: %v", args)
		}
		if d.svc != nil {
			d.svc.ApplyFromMaster(0, args[1], "", true)
		} else {
			d.engine.Delete(0, args[1])
		}
		return nil
	default:
		d.log.Warn("dropping replicated command outside this repository's minimal command set", zap.String("verb", verb))
		return nil
	}
}
