package smtpclient

import (
	"sync"
	"time"
)

// brokenTLSEntry records that a TLS handshake to a given egress-path
// tuple failed recently, and when that memory expires.
type brokenTLSEntry struct {
	brokenUntil time.Time
}

// BrokenTLSCache implements remember_broken_tls (spec.md §4.7): a
// registry of recent negative TLS outcomes keyed by the egress-path
// tuple, consulted only under Opportunistic*/non-policy-required modes
// and never under Required*/MTA-STS/DANE-mandated TLS.
//
// Grounded on the teacher's internal/resilience/circuitbreaker.go
// BreakerRegistry: a sync.Map keyed by identity, lazily populated,
// reporting a boolean-ish verdict instead of failure counts — the same
// shape repurposed from "is this breaker open" to "did TLS fail here
// recently".
type BrokenTLSCache struct {
	mu      sync.Mutex
	entries map[string]brokenTLSEntry
	ttl     time.Duration
}

// NewBrokenTLSCache constructs a cache remembering broken-TLS outcomes
// for ttl (defaults to 1 hour if ttl <= 0, KumoMTA's documented default).
func NewBrokenTLSCache(ttl time.Duration) *BrokenTLSCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &BrokenTLSCache{entries: make(map[string]brokenTLSEntry), ttl: ttl}
}

// MarkBroken records a failed TLS handshake for key, starting the TTL
// clock now.
func (c *BrokenTLSCache) MarkBroken(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = brokenTLSEntry{brokenUntil: time.Now().Add(c.ttl)}
}

// ClearBroken removes key's negative memory, e.g. after a TLS handshake
// that succeeds again.
func (c *BrokenTLSCache) ClearBroken(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// IsBroken reports whether key currently carries an unexpired
// broken-TLS memory.
func (c *BrokenTLSCache) IsBroken(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(entry.brokenUntil) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Count reports how many entries are currently tracked, for admin status.
func (c *BrokenTLSCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// brokenTLSKey derives the egress-path tuple key for the broken-TLS
// cache: source name, remote host, and protocol.
func brokenTLSKey(source, host string, protocol Protocol) string {
	return source + "/" + host + "/" + string(protocol)
}
