package repliclient

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// syncStateFileName is the state file kept under the replication data
// directory.
const syncStateFileName = "repl.sync.state"

func syncStatePath(dataDir string) string {
	return filepath.Join(dataDir, syncStateFileName)
}

// loadSyncState reads the persisted "<server_key> <seq>" line, if present.
// A missing file is not an error: a fresh slave starts from server_key
// "-", seq 0.
func loadSyncState(dataDir string) (serverKey string, seq uint64, err error) {
	data, err := os.ReadFile(syncStatePath(dataDir))
	if os.IsNotExist(err) {
		return "-", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("repliclient: read sync state: %w", err)
	}

	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("repliclient: malformed sync state file %q", syncStatePath(dataDir))
	}
	seq, err = strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("repliclient: malformed sync state seq: %w", err)
	}
	return fields[0], seq, nil
}

// saveSyncState persists "<server_key> <seq>".
func saveSyncState(dataDir, serverKey string, seq uint64) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("repliclient: create data dir: %w", err)
	}
	line := fmt.Sprintf("%s %d", serverKey, seq)
	if err := os.WriteFile(syncStatePath(dataDir), []byte(line), 0o644); err != nil {
		return fmt.Errorf("repliclient: write sync state: %w", err)
	}
	return nil
}
