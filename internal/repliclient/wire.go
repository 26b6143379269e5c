package repliclient

import (
	"fmt"
	"strconv"
	"strings"
)

// The master and slave sides encode the handshake lines independently
// rather than sharing a helper package, since each only ever sends its
// own half of the exchange.

func encodeReplConf(port int) []byte {
	return []byte(fmt.Sprintf("replconf listening-port %d\r\n", port))
}

func encodeArsync(serverKey string, seq uint64, dbs []int) []byte {
	if len(dbs) == 0 {
		return []byte(fmt.Sprintf("arsync %s %d\r\n", serverKey, seq))
	}
	parts := make([]string, len(dbs))
	for i, db := range dbs {
		parts[i] = strconv.Itoa(db)
	}
	return []byte(fmt.Sprintf("arsync %s %d %s\r\n", serverKey, seq, strings.Join(parts, " ")))
}

func encodeSync() []byte {
	return []byte("sync\r\n")
}
