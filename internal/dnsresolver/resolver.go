// Package dnsresolver implements spec.md §4.3: MX/A/AAAA/TXT/TLSA/PTR
// resolution with TTL caching, bounded concurrency, and a resolution time
// budget independent of any single lookup's own timeout.
//
// Grounded on the teacher's internal/smtp/delivery/mx.go (sync.Map cache,
// TTL expiry, A-record RFC 5321 fallback), generalized from net's stub
// resolver to github.com/miekg/dns so TLSA/enhanced RR access is possible.
package dnsresolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"

	"github.com/kumocorp/engine/internal/metrics"
)

// Errors surfaced as distinct failure classes, per spec.md §4.3.
var (
	ErrNoRecords  = errors.New("dnsresolver: no records found")
	ErrInvalidName = errors.New("dnsresolver: invalid name")
	ErrTimeout    = errors.New("dnsresolver: resolution time budget exceeded")
	ErrServfail   = errors.New("dnsresolver: server failure")
)

// MXRecord is one entry of a resolved MX set.
type MXRecord struct {
	Host       string
	Preference uint16
}

// MXResult is the outcome of resolve_mx: the full preference-ordered MX
// set and the resolved address hosts. It carries no site name; callers
// derive one from ByPref with internal/sitename.
type MXResult struct {
	ByPref     []MXRecord
	Hosts      []MXHost
	DomainName string
}

// MXHost pairs one MX hostname with its resolved addresses.
type MXHost struct {
	Host       string
	Preference uint16
	Addresses  []net.IP
}

// Config configures a Resolver.
type Config struct {
	// Backend names the resolver implementation. New does not read it:
	// every Resolver sends its queries to Nameserver (or the first
	// /etc/resolv.conf server), whatever Backend says, and no other
	// backend can be registered.
	Backend string
	// Nameserver overrides the system resolver, host:port form.
	Nameserver string
	// NegativeTTL caches NXDOMAIN/SERVFAIL outcomes for this long.
	NegativeTTL time.Duration
	// MaxConcurrentResolves bounds in-flight MX resolutions.
	MaxConcurrentResolves int
	// ResolutionTimeBudget bounds total wall time for resolve_mx,
	// independent of the underlying client's own timeout.
	ResolutionTimeBudget time.Duration
}

// DefaultConfig returns spec.md §4.3's defaults.
func DefaultConfig() Config {
	return Config{
		Backend:               "system",
		NegativeTTL:           5 * time.Minute,
		MaxConcurrentResolves: 128,
		ResolutionTimeBudget:  5 * time.Second,
	}
}

type cacheEntry struct {
	records []dns.RR
	err     error
	expires time.Time
}

// Resolver resolves MX/A/AAAA/TXT/TLSA/PTR records with caching and
// bounded concurrency. The zero value is not usable; construct with New.
type Resolver struct {
	cfg    Config
	client *dns.Client
	server string

	sem chan struct{}

	cacheMu sync.Mutex
	cache   *expirable.LRU[string, cacheEntry]
}

// New constructs a Resolver. nameserver must be a resolv.conf-style
// host:port; if empty, /etc/resolv.conf is consulted.
func New(cfg Config) (*Resolver, error) {
	if cfg.MaxConcurrentResolves <= 0 {
		cfg.MaxConcurrentResolves = 128
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 5 * time.Minute
	}
	if cfg.ResolutionTimeBudget <= 0 {
		cfg.ResolutionTimeBudget = 5 * time.Second
	}

	server := cfg.Nameserver
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(conf.Servers) == 0 {
			server = "127.0.0.1:53"
		} else {
			server = net.JoinHostPort(conf.Servers[0], conf.Port)
		}
	}

	return &Resolver{
		cfg:    cfg,
		client: &dns.Client{Timeout: 3 * time.Second},
		server: server,
		sem:    make(chan struct{}, cfg.MaxConcurrentResolves),
		cache:  expirable.NewLRU[string, cacheEntry](8192, nil, 30*time.Minute),
	}, nil
}

func cacheKey(qtype uint16, name string) string {
	return fmt.Sprintf("%d:%s", qtype, strings.ToLower(name))
}

func ttlFromRRs(rrs []dns.RR, negativeTTL time.Duration) time.Duration {
	if len(rrs) == 0 {
		return negativeTTL
	}
	min := rrs[0].Header().Ttl
	for _, rr := range rrs[1:] {
		if rr.Header().Ttl < min {
			min = rr.Header().Ttl
		}
	}
	return time.Duration(min) * time.Second
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) ([]dns.RR, error) {
	key := cacheKey(qtype, name)

	r.cacheMu.Lock()
	if entry, ok := r.cache.Get(key); ok && time.Now().Before(entry.expires) {
		r.cacheMu.Unlock()
		metrics.DNSMXResolveCacheHit.Inc()
		return entry.records, entry.err
	}
	r.cacheMu.Unlock()
	metrics.DNSMXResolveCacheMiss.Inc()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, ErrTimeout
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.RecursionDesired = true

	resp, _, err := r.client.ExchangeContext(ctx, msg, r.server)

	var records []dns.RR
	var qerr error
	switch {
	case err != nil:
		qerr = fmt.Errorf("%w: %v", ErrServfail, err)
	case resp.Rcode == dns.RcodeNameError:
		qerr = ErrNoRecords
	case resp.Rcode == dns.RcodeServerFailure:
		qerr = ErrServfail
	case resp.Rcode != dns.RcodeSuccess:
		qerr = fmt.Errorf("%w: rcode %d", ErrServfail, resp.Rcode)
	default:
		records = resp.Answer
	}

	ttl := ttlFromRRs(records, r.cfg.NegativeTTL)
	r.cacheMu.Lock()
	r.cache.Add(key, cacheEntry{records: records, err: qerr, expires: time.Now().Add(ttl)})
	r.cacheMu.Unlock()

	return records, qerr
}

// ResolveMX resolves a domain's MX set, falling back to the domain's own
// A/AAAA records per RFC 5321 when no MX records exist, and resolves each
// MX hostname's addresses.
func (r *Resolver) ResolveMX(ctx context.Context, domain string) (*MXResult, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, ErrInvalidName
	}

	metrics.DNSMXResolveInProgress.Inc()
	defer metrics.DNSMXResolveInProgress.Dec()

	budgetCtx, cancel := context.WithTimeout(ctx, r.cfg.ResolutionTimeBudget)
	defer cancel()

	records, err := r.query(budgetCtx, domain, dns.TypeMX)
	var byPref []MXRecord
	if err == nil && len(records) > 0 {
		for _, rr := range records {
			mx, ok := rr.(*dns.MX)
			if !ok {
				continue
			}
			byPref = append(byPref, MXRecord{
				Host:       strings.TrimSuffix(mx.Mx, "."),
				Preference: mx.Preference,
			})
		}
	}

	if len(byPref) == 0 {
		if _, aerr := r.query(budgetCtx, domain, dns.TypeA); aerr == nil {
			byPref = []MXRecord{{Host: domain, Preference: 0}}
		} else {
			metrics.DNSMXResolveStatusFail.WithLabelValues(classifyFailure(err)).Inc()
			return nil, ErrNoRecords
		}
	}

	sort.Slice(byPref, func(i, j int) bool { return byPref[i].Preference < byPref[j].Preference })

	hosts := make([]MXHost, 0, len(byPref))
	for _, mx := range byPref {
		addrs, aerr := r.lookupAddrs(budgetCtx, mx.Host)
		if aerr != nil {
			continue
		}
		hosts = append(hosts, MXHost{Host: mx.Host, Preference: mx.Preference, Addresses: addrs})
	}
	if len(hosts) == 0 {
		metrics.DNSMXResolveStatusFail.WithLabelValues("no_resolvable_hosts").Inc()
		return nil, ErrNoRecords
	}

	metrics.DNSMXResolveStatusOK.Inc()
	return &MXResult{ByPref: byPref, Hosts: hosts, DomainName: domain}, nil
}

func classifyFailure(err error) string {
	switch {
	case errors.Is(err, ErrServfail):
		return "servfail"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "nxdomain"
	}
}

func (r *Resolver) lookupAddrs(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	if aRecords, err := r.query(ctx, host, dns.TypeA); err == nil {
		for _, rr := range aRecords {
			if a, ok := rr.(*dns.A); ok {
				ips = append(ips, a.A)
			}
		}
	}
	if aaaaRecords, err := r.query(ctx, host, dns.TypeAAAA); err == nil {
		for _, rr := range aaaaRecords {
			if aaaa, ok := rr.(*dns.AAAA); ok {
				ips = append(ips, aaaa.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, ErrNoRecords
	}
	return ips, nil
}

// LookupAddr resolves A and AAAA records for name.
func (r *Resolver) LookupAddr(ctx context.Context, name string) ([]net.IP, error) {
	return r.lookupAddrs(ctx, name)
}

// LookupTXT resolves TXT records for name.
func (r *Resolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	records, err := r.query(ctx, name, dns.TypeTXT)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range records {
		if txt, ok := rr.(*dns.TXT); ok {
			out = append(out, strings.Join(txt.Txt, ""))
		}
	}
	if len(out) == 0 {
		return nil, ErrNoRecords
	}
	return out, nil
}

// LookupPTR resolves the reverse-DNS name for ip.
func (r *Resolver) LookupPTR(ctx context.Context, ip net.IP) ([]string, error) {
	arpa, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return nil, ErrInvalidName
	}
	records, err := r.query(ctx, arpa, dns.TypePTR)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, rr := range records {
		if ptr, ok := rr.(*dns.PTR); ok {
			out = append(out, strings.TrimSuffix(ptr.Ptr, "."))
		}
	}
	if len(out) == 0 {
		return nil, ErrNoRecords
	}
	return out, nil
}

// TLSARecord is one DANE TLSA resource record.
type TLSARecord struct {
	Usage        uint8
	Selector     uint8
	MatchingType uint8
	Certificate  string // hex
}

// LookupTLSA resolves TLSA records for _port._tcp.name, used for DANE.
func (r *Resolver) LookupTLSA(ctx context.Context, port int, name string) ([]TLSARecord, error) {
	qname := fmt.Sprintf("_%d._tcp.%s", port, dns.Fqdn(name))
	records, err := r.query(ctx, qname, dns.TypeTLSA)
	if err != nil {
		return nil, err
	}
	var out []TLSARecord
	for _, rr := range records {
		if tlsa, ok := rr.(*dns.TLSA); ok {
			out = append(out, TLSARecord{
				Usage:        tlsa.Usage,
				Selector:     tlsa.Selector,
				MatchingType: tlsa.MatchingType,
				Certificate:  tlsa.Certificate,
			})
		}
	}
	if len(out) == 0 {
		return nil, ErrNoRecords
	}
	return out, nil
}

// RBLLookup queries ip against an RBL zone (e.g. "zen.spamhaus.org"),
// returning true if ip is listed.
func (r *Resolver) RBLLookup(ctx context.Context, ip net.IP, zone string) (bool, error) {
	v4 := ip.To4()
	if v4 == nil {
		return false, ErrInvalidName
	}
	reversed := fmt.Sprintf("%d.%d.%d.%d.%s", v4[3], v4[2], v4[1], v4[0], zone)
	_, err := r.query(ctx, reversed, dns.TypeA)
	if errors.Is(err, ErrNoRecords) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
