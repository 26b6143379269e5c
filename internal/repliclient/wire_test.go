package repliclient

import "testing"

func TestEncodeArsyncWithAndWithoutDBs(t *testing.T) {
	got := string(encodeArsync("mk", 7, nil))
	if got != "arsync mk 7\r\n" {
		t.Fatalf("got %q", got)
	}
	got = string(encodeArsync("mk", 7, []int{0, 1}))
	if got != "arsync mk 7 0 1\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestEncodeHandshakeLines(t *testing.T) {
	if got := string(encodeReplConf(6380)); got != "replconf listening-port 6380\r\n" {
		t.Fatalf("got %q", got)
	}
	if got := string(encodeSync()); got != "sync\r\n" {
		t.Fatalf("got %q", got)
	}
}
