package oplog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// manifest records just enough about what's already on disk for a restart
// to keep rolling forward rather than overwrite history: the next segment
// index to create, and a best-effort snapshot of max_seq as of the last
// rotation. The in-memory ring itself is never persisted, so writes
// recorded after the last manifest save but before a crash are lost on
// restart; a reconnecting slave whose position falls in that window fails
// verification and falls back to a full resync.
type manifest struct {
	NextIndex int
	MaxSeq    uint64
}

func manifestPath(dataDir string) string {
	return filepath.Join(dataDir, "oplog.manifest")
}

func loadManifest(dataDir string) (manifest, bool, error) {
	data, err := os.ReadFile(manifestPath(dataDir))
	if os.IsNotExist(err) {
		return manifest{}, false, nil
	}
	if err != nil {
		return manifest{}, false, fmt.Errorf("oplog: read manifest: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return manifest{}, false, fmt.Errorf("oplog: malformed manifest %q", string(data))
	}
	var m manifest
	if _, err := fmt.Sscanf(fields[0], "%d", &m.NextIndex); err != nil {
		return manifest{}, false, err
	}
	if _, err := fmt.Sscanf(fields[1], "%d", &m.MaxSeq); err != nil {
		return manifest{}, false, err
	}
	return m, true, nil
}

func saveManifest(dataDir string, m manifest) error {
	line := fmt.Sprintf("%d %d", m.NextIndex, m.MaxSeq)
	return os.WriteFile(manifestPath(dataDir), []byte(line), 0o644)
}
