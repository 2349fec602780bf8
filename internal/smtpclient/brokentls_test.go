package smtpclient

import (
	"testing"
	"time"
)

func TestBrokenTLSCacheMarkAndExpire(t *testing.T) {
	c := NewBrokenTLSCache(10 * time.Millisecond)
	key := brokenTLSKey("source1", "mx.example.com", ProtocolSMTP)

	if c.IsBroken(key) {
		t.Fatalf("fresh cache should report not broken")
	}
	c.MarkBroken(key)
	if !c.IsBroken(key) {
		t.Fatalf("expected broken immediately after MarkBroken")
	}
	if c.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", c.Count())
	}

	time.Sleep(20 * time.Millisecond)
	if c.IsBroken(key) {
		t.Fatalf("expected entry to have expired")
	}
	if c.Count() != 0 {
		t.Fatalf("expired entry should be pruned, Count() = %d", c.Count())
	}
}

func TestBrokenTLSCacheClear(t *testing.T) {
	c := NewBrokenTLSCache(time.Hour)
	key := brokenTLSKey("source1", "mx.example.com", ProtocolLMTP)
	c.MarkBroken(key)
	c.ClearBroken(key)
	if c.IsBroken(key) {
		t.Fatalf("expected broken memory to be cleared")
	}
}

func TestBrokenTLSKeyDistinguishesProtocol(t *testing.T) {
	a := brokenTLSKey("src", "host", ProtocolSMTP)
	b := brokenTLSKey("src", "host", ProtocolLMTP)
	if a == b {
		t.Fatalf("keys for distinct protocols must differ: %q == %q", a, b)
	}
}
