package smtpclient

import (
	"context"
	"strings"
	"time"

	"github.com/foxcpp/go-mtasts"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// PolicyFetcher fetches a domain's MTA-STS policy, matching the callback
// shape used by the foxcpp/maddy remote target (mtastsGet). The default
// implementation wraps mtasts.Fetch; tests substitute a fixed function.
type PolicyFetcher func(ctx context.Context, domain string) (*mtasts.Policy, error)

// MTASTSCache wraps a PolicyFetcher with the TTL-cache pattern already
// established in internal/dnsresolver and internal/egress
// (expirable.LRU), keyed by domain, honoring the policy's own max_age
// where the fetch succeeds and falling back to a short negative TTL on
// failure so a transient outage doesn't wedge every subsequent session
// into a slow HTTPS round trip.
type MTASTSCache struct {
	fetch       PolicyFetcher
	cache       *expirable.LRU[string, mtastsEntry]
	negativeTTL time.Duration
}

// mtastsEntry is one cached policy (nil for a failed fetch) with its own
// expiry, since expirable.LRU applies a single TTL to every entry.
type mtastsEntry struct {
	policy  *mtasts.Policy
	expires time.Time
}

// NewMTASTSCache constructs a cache around fetch (nil selects
// mtasts.Fetch).
func NewMTASTSCache(fetch PolicyFetcher, negativeTTL time.Duration) *MTASTSCache {
	if fetch == nil {
		fetch = mtasts.Fetch
	}
	if negativeTTL <= 0 {
		negativeTTL = time.Minute
	}
	return &MTASTSCache{
		fetch:       fetch,
		cache:       expirable.NewLRU[string, mtastsEntry](4096, nil, 24*time.Hour),
		negativeTTL: negativeTTL,
	}
}

// Get returns domain's cached policy, fetching it on a cache miss. A nil
// policy with a nil error means "no policy published" (mode none).
func (c *MTASTSCache) Get(ctx context.Context, domain string) (*mtasts.Policy, error) {
	domain = strings.ToLower(domain)
	if e, ok := c.cache.Get(domain); ok && time.Now().Before(e.expires) {
		return e.policy, nil
	}

	policy, err := c.fetch(ctx, domain)
	if err != nil {
		c.cache.Add(domain, mtastsEntry{expires: time.Now().Add(c.negativeTTL)})
		return nil, err
	}

	ttl := 24 * time.Hour
	if policy != nil && policy.MaxAge > 0 {
		ttl = policy.MaxAge
	}
	c.cache.Add(domain, mtastsEntry{policy: policy, expires: time.Now().Add(ttl)})
	return policy, nil
}

// policyRequiresTLS reports whether policy mandates TLS for delivery
// (enforce mode; testing mode is advisory only per RFC 8461 §3).
func policyRequiresTLS(policy *mtasts.Policy) bool {
	return policy != nil && policy.Mode == mtasts.ModeEnforce
}

// policyAllowsHost checks host against the policy's MX pattern list,
// supporting the RFC 8461 wildcard form ("*.example.com").
func policyAllowsHost(policy *mtasts.Policy, host string) bool {
	if policy == nil {
		return true
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, pattern := range policy.MX {
		pattern = strings.ToLower(pattern)
		if strings.HasPrefix(pattern, "*.") {
			suffix := pattern[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) && strings.Count(host, ".") == strings.Count(pattern, ".") {
				return true
			}
			continue
		}
		if pattern == host {
			return true
		}
	}
	return false
}
