package replication

import (
	"strings"
	"testing"

	"github.com/ardbgo/ardb/internal/oplog"
)

func TestEncodeFakeRDBMatchesWireGrammar(t *testing.T) {
	got := string(encodeFakeRDB())
	if got != "$10\r\nREDIS0004\xff" {
		t.Fatalf("got %q", got)
	}
}

func TestCachedOpToRedisTranslation(t *testing.T) {
	set := cachedOpToRedis(oplog.CachedOp{Kind: oplog.OpSet, Key: "a", Value: "1"})
	if len(set) != 3 || set[0] != "SET" || set[1] != "a" || set[2] != "1" {
		t.Fatalf("got %v", set)
	}
	del := cachedOpToRedis(oplog.CachedOp{Kind: oplog.OpDel, Key: "a"})
	if len(del) != 2 || del[0] != "DEL" {
		t.Fatalf("got %v", del)
	}
	redis := cachedOpToRedis(oplog.CachedOp{Kind: oplog.OpRedis, Cmd: "ZADD", Args: []string{"z", "1", "m"}})
	if len(redis) != 4 || redis[0] != "ZADD" {
		t.Fatalf("got %v", redis)
	}
}

func TestEncodeReplicatedCommandAppendsSeqForNativeOnly(t *testing.T) {
	op := oplog.CachedOp{Seq: 42, Kind: oplog.OpSet, Key: "a", Value: "1"}

	native := string(encodeReplicatedCommand(op, true))
	if !strings.Contains(native, "42") {
		t.Fatalf("expected trailing seq token in %q", native)
	}

	legacy := string(encodeReplicatedCommand(op, false))
	if strings.Contains(legacy, "42") {
		t.Fatalf("did not expect trailing seq token in %q", legacy)
	}
}
