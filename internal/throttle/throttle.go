// Package throttle implements spec.md §3/§4.6: GCRA-based rate limiting
// and leased concurrency counters, each available as a local (in-process)
// or cluster-shared (Redis-backed) primitive keyed by composable strings
// like "rate:source:site:domain".
//
// Connection pool tuning is grounded on the teacher's
// internal/queue/redis.go NewRedisQueue; the atomic GCRA/lease primitives
// are implemented as Lua scripts via redis.Script, the idiomatic go-redis
// pattern for compare-and-set style operations the teacher's queue did
// not need but its client library fully supports.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kumocorp/engine/internal/metrics"
)

// ErrThrottled is returned (not logged as a failure; informational per
// spec.md §7) when a rate limit or lease cannot be granted immediately.
var ErrThrottled = errors.New("throttle: rejected, retry after delay")

// GCRA is a generic cell-rate limiter. Local and cluster-shared
// implementations share this interface so callers are agnostic to scope.
type GCRA interface {
	// Allow reports whether one event of key may proceed now. If not,
	// the returned duration is how long the caller should wait before
	// retrying (with jitter already applied by the caller).
	Allow(ctx context.Context, key string, ratePerSecond float64, burst int) (bool, time.Duration, error)
}

// LeaseManager grants and releases bounded concurrency leases.
type LeaseManager interface {
	Acquire(ctx context.Context, key string, limit int, timeout time.Duration) (Lease, error)
}

// Lease represents one held concurrency slot. Release is idempotent.
type Lease interface {
	Release(ctx context.Context) error
}

// --- Local (in-process) GCRA ---

type localCell struct {
	mu       sync.Mutex
	tat      time.Time // theoretical arrival time
}

// LocalGCRA implements GCRA entirely in memory, for throttles scoped to a
// single node.
type LocalGCRA struct {
	mu    sync.Mutex
	cells map[string]*localCell
}

// NewLocalGCRA constructs an empty local limiter.
func NewLocalGCRA() *LocalGCRA {
	return &LocalGCRA{cells: make(map[string]*localCell)}
}

func (g *LocalGCRA) cell(key string) *localCell {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.cells[key]
	if !ok {
		c = &localCell{}
		g.cells[key] = c
	}
	return c
}

// Allow implements GCRA.
func (g *LocalGCRA) Allow(ctx context.Context, key string, ratePerSecond float64, burst int) (bool, time.Duration, error) {
	if ratePerSecond <= 0 {
		return true, 0, nil
	}
	emissionInterval := time.Duration(float64(time.Second) / ratePerSecond)
	delayTolerance := emissionInterval * time.Duration(burst)

	c := g.cell(key)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	tat := c.tat
	if tat.Before(now) {
		tat = now
	}
	newTat := tat.Add(emissionInterval)
	allowAt := newTat.Add(-delayTolerance - emissionInterval)

	if now.Before(allowAt) {
		metrics.RecordThrottleRejection(key)
		return false, allowAt.Sub(now), nil
	}
	c.tat = newTat
	return true, 0, nil
}

// --- Cluster-shared (Redis) GCRA ---

// gcraScript implements the generic cell-rate algorithm atomically: it
// reads the stored "theoretical arrival time" (as unix nanos), computes
// whether the call is allowed, and writes back the new tat, all in one
// round trip.
var gcraScript = redis.NewScript(`
local key = KEYS[1]
local emission_interval_ns = tonumber(ARGV[1])
local delay_tolerance_ns = tonumber(ARGV[2])
local now_ns = tonumber(ARGV[3])
local ttl_s = tonumber(ARGV[4])

local tat = tonumber(redis.call("GET", key))
if tat == nil or tat < now_ns then
  tat = now_ns
end

local new_tat = tat + emission_interval_ns
local allow_at = new_tat - delay_tolerance_ns - emission_interval_ns

if now_ns < allow_at then
  return allow_at - now_ns
end

redis.call("SET", key, new_tat, "EX", ttl_s)
return 0
`)

// RedisGCRA implements GCRA against a shared Redis instance, so rate
// limits are enforced cluster-wide.
type RedisGCRA struct {
	client *redis.Client
	prefix string
}

// NewRedisGCRA wraps client with prefix for key namespacing.
func NewRedisGCRA(client *redis.Client, prefix string) *RedisGCRA {
	return &RedisGCRA{client: client, prefix: prefix}
}

// Allow implements GCRA.
func (g *RedisGCRA) Allow(ctx context.Context, key string, ratePerSecond float64, burst int) (bool, time.Duration, error) {
	if ratePerSecond <= 0 {
		return true, 0, nil
	}
	emissionInterval := time.Duration(float64(time.Second) / ratePerSecond)
	delayTolerance := emissionInterval * time.Duration(burst)
	now := time.Now()

	waitNs, err := gcraScript.Run(ctx, g.client,
		[]string{g.prefix + ":gcra:" + key},
		emissionInterval.Nanoseconds(),
		delayTolerance.Nanoseconds(),
		now.UnixNano(),
		int64(math.Ceil((emissionInterval + delayTolerance).Seconds()))+1,
	).Int64()
	if err != nil {
		return false, 0, fmt.Errorf("throttle: gcra eval: %w", err)
	}
	if waitNs > 0 {
		metrics.RecordThrottleRejection(key)
		return false, time.Duration(waitNs), nil
	}
	return true, 0, nil
}

// --- Local leased counter ---

// LocalLeaseManager grants bounded-concurrency leases in-process via
// buffered channels as semaphores.
type LocalLeaseManager struct {
	mu   sync.Mutex
	sems map[string]chan struct{}
}

// NewLocalLeaseManager constructs an empty local lease manager.
func NewLocalLeaseManager() *LocalLeaseManager {
	return &LocalLeaseManager{sems: make(map[string]chan struct{})}
}

func (m *LocalLeaseManager) semFor(key string, limit int) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sems[key]
	if !ok || cap(s) != limit {
		s = make(chan struct{}, limit)
		m.sems[key] = s
	}
	return s
}

type localLease struct{ sem chan struct{} }

func (l *localLease) Release(ctx context.Context) error {
	select {
	case <-l.sem:
	default:
	}
	return nil
}

// Acquire implements LeaseManager with bounded wait.
func (m *LocalLeaseManager) Acquire(ctx context.Context, key string, limit int, timeout time.Duration) (Lease, error) {
	sem := m.semFor(key, limit)
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case sem <- struct{}{}:
		metrics.RecordLease("local", "acquired")
		return &localLease{sem: sem}, nil
	case <-waitCtx.Done():
		metrics.RecordLease("local", "denied")
		return nil, ErrThrottled
	}
}

// --- Cluster-shared (Redis) leased counter ---

// acquireScript increments a counter guarded by limit, and records the
// lease under a unique token with a TTL so a watchdog can repair leaks
// from crashed holders.
var acquireScript = redis.NewScript(`
local counter_key = KEYS[1]
local lease_key = KEYS[2]
local limit = tonumber(ARGV[1])
local ttl_s = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", counter_key) or "0")
if current >= limit then
  return 0
end

redis.call("INCR", counter_key)
redis.call("EXPIRE", counter_key, ttl_s)
redis.call("SET", lease_key, "1", "EX", ttl_s)
return 1
`)

var releaseScript = redis.NewScript(`
local counter_key = KEYS[1]
local lease_key = KEYS[2]

if redis.call("GET", lease_key) then
  redis.call("DEL", lease_key)
  local current = tonumber(redis.call("GET", counter_key) or "0")
  if current > 0 then
    redis.call("DECR", counter_key)
  end
end
return 1
`)

// RedisLeaseManager grants leases backed by a shared Redis counter, with
// a TTL-bounded leak-repair watchdog: any lease whose key expires without
// an explicit release is implicitly repaired by the TTL itself, and the
// counter additionally expires so a crashed node cannot hold a lease
// forever.
type RedisLeaseManager struct {
	client *redis.Client
	prefix string
	// leaseTTL bounds how long an unreleased lease may hold its slot;
	// a renewing caller should re-Acquire before this elapses.
	leaseTTL time.Duration
}

// NewRedisLeaseManager wraps client with prefix and a default lease TTL.
func NewRedisLeaseManager(client *redis.Client, prefix string, leaseTTL time.Duration) *RedisLeaseManager {
	if leaseTTL <= 0 {
		leaseTTL = 10 * time.Minute
	}
	return &RedisLeaseManager{client: client, prefix: prefix, leaseTTL: leaseTTL}
}

type redisLease struct {
	mgr        *RedisLeaseManager
	counterKey string
	leaseKey   string
}

func (l *redisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.mgr.client, []string{l.counterKey, l.leaseKey}).Err()
}

// Acquire implements LeaseManager, polling with bounded wait until limit
// permits a slot or timeout elapses.
func (m *RedisLeaseManager) Acquire(ctx context.Context, key string, limit int, timeout time.Duration) (Lease, error) {
	counterKey := m.prefix + ":lease_count:" + key
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		token := fmt.Sprintf("%d", time.Now().UnixNano())
		leaseKey := m.prefix + ":lease:" + key + ":" + token
		ok, err := acquireScript.Run(waitCtx, m.client,
			[]string{counterKey, leaseKey}, limit, int64(m.leaseTTL.Seconds())).Int64()
		if err != nil {
			metrics.RecordLease("cluster", "error")
			return nil, fmt.Errorf("throttle: acquire lease: %w", err)
		}
		if ok == 1 {
			metrics.RecordLease("cluster", "acquired")
			return &redisLease{mgr: m, counterKey: counterKey, leaseKey: leaseKey}, nil
		}
		select {
		case <-ticker.C:
			continue
		case <-waitCtx.Done():
			metrics.RecordLease("cluster", "denied")
			return nil, ErrThrottled
		}
	}
}
