package command

import (
	"strings"
	"testing"

	"github.com/ardbgo/ardb/internal/protocol"
	"github.com/ardbgo/ardb/internal/storage"
)

func cmd(args ...string) *protocol.Command { return &protocol.Command{Args: args} }

func TestSetGetDelRoundTrip(t *testing.T) {
	engine := storage.NewMemEngine()
	d := New(engine, nil, nil)

	if got := string(d.Execute(nil, cmd("SET", "a", "1"))); got != "+OK\r\n" {
		t.Fatalf("SET got %q", got)
	}
	if got := string(d.Execute(nil, cmd("GET", "a"))); got != "$1\r\n1\r\n" {
		t.Fatalf("GET got %q", got)
	}
	if got := string(d.Execute(nil, cmd("DEL", "a"))); got != "$1\r\n1\r\n" {
		t.Fatalf("DEL got %q", got)
	}
	if got := string(d.Execute(nil, cmd("GET", "a"))); got != "$-1\r\n" {
		t.Fatalf("GET after delete got %q", got)
	}
}

func TestPing(t *testing.T) {
	d := New(storage.NewMemEngine(), nil, nil)
	if got := string(d.Execute(nil, cmd("PING"))); got != "+PONG\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	d := New(storage.NewMemEngine(), nil, nil)
	got := string(d.Execute(nil, cmd("EVAL", "1")))
	if !strings.HasPrefix(got, "-ERR unknown command") {
		t.Fatalf("got %q", got)
	}
}

func TestArsyncWithoutReplicationServiceErrors(t *testing.T) {
	d := New(storage.NewMemEngine(), nil, nil)
	got := string(d.Execute(nil, cmd("ARSYNC", "-", "0")))
	if !strings.HasPrefix(got, "-ERR replication not enabled") {
		t.Fatalf("got %q", got)
	}
}

func TestApplyReplicatedSetAndDel(t *testing.T) {
	engine := storage.NewMemEngine()
	d := New(engine, nil, nil)

	if err := d.Apply([]string{"SET", "a", "1"}, true); err != nil {
		t.Fatalf("Apply SET: %v", err)
	}
	if v, ok := engine.Get(0, "a"); !ok || v != "1" {
		t.Fatalf("got %q, %v", v, ok)
	}
	if err := d.Apply([]string{"DEL", "a"}, true); err != nil {
		t.Fatalf("Apply DEL: %v", err)
	}
	if _, ok := engine.Get(0, "a"); ok {
		t.Fatalf("expected a to be deleted")
	}
}

func TestApplyUnsupportedCommandIsDroppedNotFailed(t *testing.T) {
	d := New(storage.NewMemEngine(), nil, nil)
	if err := d.Apply([]string{"ZADD", "z", "1", "m"}, true); err != nil {
		t.Fatalf("expected unsupported replicated commands to be dropped, not errored: %v", err)
	}
}
