package replication

import "errors"

var (
	// ErrHistoryGap is returned when a slave's requested (server_key, seq)
	// predates everything this server has retained, in the ring or on
	// disk.
	ErrHistoryGap = errors.New("replication: requested seq predates retained history")

	// ErrSlaveGone is returned by operations addressing a slave id that
	// is no longer in the active table.
	ErrSlaveGone = errors.New("replication: slave no longer attached")

	// ErrNotConnected is returned when an operation requires a live
	// connection that has already been closed.
	ErrNotConnected = errors.New("replication: channel not connected")

	// ErrBadHandshake is returned when a peer's handshake response
	// violates the wire grammar in a way that isn't a plain protocol
	// downgrade.
	ErrBadHandshake = errors.New("replication: malformed handshake response")
)
