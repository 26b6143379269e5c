// Package config holds the replication subsystem's configuration. Full
// server configuration (ports, AOF, RDB, clustering) lives with the
// embedding server; this is a flat struct plus DefaultConfig, scoped to
// the repl_* keys.
package config

import "time"

// Config is the replication subsystem's view of the server configuration.
type Config struct {
	// ReplDataDir is the directory for op-log segment files and the slave
	// sync-state file (repl_data_dir).
	ReplDataDir string

	// ReplPingSlavePeriod is the master's heartbeat cadence
	// (repl_ping_slave_period).
	ReplPingSlavePeriod time.Duration

	// ReplTimeout is how long a slave waits for a ping before reconnecting
	// (repl_timeout).
	ReplTimeout time.Duration

	// ReplSyncStatePersistPeriod is how often a slave flushes
	// repl.sync.state (repl_syncstate_persist_period).
	ReplSyncStatePersistPeriod time.Duration

	// ReplBacklogSize is the seq-count span each on-disk log segment
	// covers (repl_backlog_size).
	ReplBacklogSize uint64

	// ReplMaxBackupLogs is the number of on-disk log segments retained
	// (repl_max_backup_logs).
	ReplMaxBackupLogs int

	// RingCapacity bounds the in-memory op-log ring before entries spill
	// to disk. Kept here rather than hardcoded so tests can shrink it.
	RingCapacity int
}

// DefaultConfig returns the replication defaults used when no override is
// supplied: sane values for a single-box deployment.
func DefaultConfig() *Config {
	return &Config{
		ReplDataDir:                "./repl",
		ReplPingSlavePeriod:        10 * time.Second,
		ReplTimeout:                60 * time.Second,
		ReplSyncStatePersistPeriod: 1 * time.Second,
		ReplBacklogSize:            1 << 20,
		ReplMaxBackupLogs:          10,
		RingCapacity:               4096,
	}
}
