// Package egress implements spec.md §3's Egress Source and Egress Pool:
// named outbound bindings and weighted round-robin selection among them,
// resolved through a policy callback and cached with a TTL.
//
// Grounded on the teacher's internal/smtp/delivery connection dialing
// (source_address binding via net.Dialer.LocalAddr) and on the general
// registry-with-TTL-cache shape used by internal/smtp/delivery/mx.go's
// MXResolver.
package egress

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kumocorp/engine/internal/metrics"
)

// ErrEmptyPool is returned when a pool has no entry with positive weight.
var ErrEmptyPool = errors.New("egress: pool has no source with positive weight")

// ProxyKind distinguishes the supported proxy descriptors.
type ProxyKind string

const (
	ProxyNone   ProxyKind = ""
	ProxyHAProxy ProxyKind = "haproxy"
	ProxySOCKS5  ProxyKind = "socks5"
)

// Proxy describes an optional upstream proxy an Egress Source dials
// through instead of connecting directly.
type Proxy struct {
	Kind    ProxyKind
	Address string
}

// Source is an Egress Source (spec.md §3): an immutable-while-in-use
// outbound binding descriptor.
type Source struct {
	Name          string
	SourceAddress string // optional local bind address
	EHLODomain    string // optional; defaults to source-level policy if empty
	Proxy         *Proxy
	RemotePort    int // 0 means "use the shaping-resolved default (25)"
}

// LocalAddr returns the resolved local bind address for dialing, or nil
// if the source does not pin one.
func (s *Source) LocalAddr() (net.Addr, error) {
	if s.SourceAddress == "" {
		return nil, nil
	}
	ip := net.ParseIP(s.SourceAddress)
	if ip == nil {
		return nil, fmt.Errorf("egress: source %q has invalid source_address %q", s.Name, s.SourceAddress)
	}
	return &net.TCPAddr{IP: ip}, nil
}

// PoolEntry is one weighted member of an Egress Pool.
type PoolEntry struct {
	SourceName string
	Weight     int
}

// Pool is a named, weighted collection of egress sources (spec.md §3).
type Pool struct {
	Name    string
	Entries []PoolEntry
}

// validate enforces the pool invariants: weights non-negative, at least
// one entry with positive weight.
func (p *Pool) validate() error {
	total := 0
	for _, e := range p.Entries {
		if e.Weight < 0 {
			return fmt.Errorf("egress: pool %q has negative weight for source %q", p.Name, e.SourceName)
		}
		total += e.Weight
	}
	if total == 0 {
		return fmt.Errorf("%w: %q", ErrEmptyPool, p.Name)
	}
	return nil
}

// SourceResolver is the policy callback (spec.md §6 get_egress_source)
// that resolves a named source on first reference.
type SourceResolver func(name string) (*Source, error)

// PoolResolver is the policy callback resolving a named pool.
type PoolResolver func(name string) (*Pool, error)

// Registry resolves sources and pools via policy callbacks, caching
// results with a TTL the way internal/smtp/delivery/mx.go caches MX
// lookups, and performs weighted round-robin selection over pools.
type Registry struct {
	resolveSource SourceResolver
	resolvePool   PoolResolver

	sourceCache *expirable.LRU[string, *Source]
	poolCache   *expirable.LRU[string, *Pool]

	mu    sync.Mutex
	wheel map[string]*rrState // pool name -> smooth weighted round-robin state
}

type rrState struct {
	mu      sync.Mutex
	current []int // current weight accumulator per entry, parallel to Pool.Entries
}

// NewRegistry constructs a Registry with the given TTL for cached
// resolutions (ttl <= 0 selects 5 minutes).
func NewRegistry(resolveSource SourceResolver, resolvePool PoolResolver, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Registry{
		resolveSource: resolveSource,
		resolvePool:   resolvePool,
		sourceCache:   expirable.NewLRU[string, *Source](1024, nil, ttl),
		poolCache:     expirable.NewLRU[string, *Pool](256, nil, ttl),
		wheel:         make(map[string]*rrState),
	}
}

// Source resolves (and caches) the named egress source.
func (r *Registry) Source(name string) (*Source, error) {
	if s, ok := r.sourceCache.Get(name); ok {
		return s, nil
	}
	s, err := r.resolveSource(name)
	if err != nil {
		return nil, fmt.Errorf("egress: resolve source %q: %w", name, err)
	}
	r.sourceCache.Add(name, s)
	return s, nil
}

// Pool resolves (and caches) the named egress pool.
func (r *Registry) Pool(name string) (*Pool, error) {
	if p, ok := r.poolCache.Get(name); ok {
		return p, nil
	}
	p, err := r.resolvePool(name)
	if err != nil {
		return nil, fmt.Errorf("egress: resolve pool %q: %w", name, err)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	r.poolCache.Add(name, p)
	return p, nil
}

// SelectSource performs smooth weighted round-robin selection (the
// interleaved scheduler used by nginx/LVS): over any long enough run,
// the fraction of selections going to entry i converges to
// weight_i / sum(weights), and consecutive bursts of one heavy entry
// are avoided better than naive cumulative selection.
func (r *Registry) SelectSource(poolName string) (*Source, error) {
	pool, err := r.Pool(poolName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	state, ok := r.wheel[poolName]
	if !ok || len(state.current) != len(pool.Entries) {
		state = &rrState{current: make([]int, len(pool.Entries))}
		r.wheel[poolName] = state
	}
	r.mu.Unlock()

	state.mu.Lock()
	total := 0
	best := -1
	for i, e := range pool.Entries {
		state.current[i] += e.Weight
		total += e.Weight
		if best == -1 || state.current[i] > state.current[best] {
			best = i
		}
	}
	if best >= 0 {
		state.current[best] -= total
	}
	state.mu.Unlock()

	if best < 0 {
		return nil, fmt.Errorf("%w: %q", ErrEmptyPool, poolName)
	}
	return r.Source(pool.Entries[best].SourceName)
}

// RandomSource is a simpler weighted-random alternative to SelectSource,
// useful for dispersing load across processes that do not share the
// smooth round-robin accumulator (e.g. across cluster nodes).
func RandomSource(pool *Pool) (string, error) {
	if err := pool.validate(); err != nil {
		return "", err
	}
	total := 0
	for _, e := range pool.Entries {
		total += e.Weight
	}
	pick := rand.Intn(total)
	for _, e := range pool.Entries {
		if pick < e.Weight {
			return e.SourceName, nil
		}
		pick -= e.Weight
	}
	return "", fmt.Errorf("egress: weighted pick failed for pool %q", pool.Name)
}

// RecordConnectionUse is a small convenience wrapper around metrics for
// callers dialing with a resolved Source; it keeps the active-connection
// gauge's "source" label consistent with Source.Name.
func RecordConnectionUse(source *Source, site string) {
	metrics.RecordConnection(source.Name, site)
}
