// Package sitename derives the deterministic canonical site-name string
// from an MX record set described in spec.md §3: the primary key for
// ready queues and most shaping rules, stable across requeries and
// identical for domains that share an MX set.
package sitename

import (
	"sort"
	"strings"

	"github.com/kumocorp/engine/internal/dnsresolver"
)

// Derive computes the site name for a preference-ordered MX set. Per
// spec.md §3: strip the longest shared dotted suffix across all
// hostnames, then express the remaining prefixes sorted and grouped
// alternation-style, preserving a dot-terminal form. When the hosts share
// no suffix the result is the bare alternation group, with no trailing dot.
func Derive(records []dnsresolver.MXRecord) string {
	hosts := make([]string, 0, len(records))
	for _, r := range records {
		hosts = append(hosts, normalize(r.Host))
	}
	if len(hosts) == 0 {
		return ""
	}
	sort.Strings(hosts)

	if len(hosts) == 1 {
		return hosts[0]
	}

	suffix := commonDottedSuffix(hosts)
	prefixes := make([]string, 0, len(hosts))
	for _, h := range hosts {
		p := strings.TrimSuffix(h, suffix)
		if p == strings.TrimPrefix(suffix, ".") {
			// h is the shared suffix itself; the "?" below covers it.
			continue
		}
		p = strings.TrimSuffix(p, ".")
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)

	if suffix == "" {
		return "(" + strings.Join(prefixes, "|") + ")"
	}
	return "(" + strings.Join(prefixes, "|") + ")?." + strings.TrimPrefix(suffix, ".")
}

// normalize lowercases and ensures a trailing dot, so site names are
// insensitive to both case and whether the resolver returned a
// dot-terminal name.
func normalize(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if !strings.HasSuffix(host, ".") {
		host += "."
	}
	return host
}

// commonDottedSuffix returns the longest suffix shared by all hosts that
// begins on a label boundary (i.e. starts right after a '.').
func commonDottedSuffix(hosts []string) string {
	if len(hosts) == 0 {
		return ""
	}
	labelsOf := func(h string) []string {
		trimmed := strings.TrimSuffix(h, ".")
		return strings.Split(trimmed, ".")
	}

	first := labelsOf(hosts[0])
	maxSuffixLen := len(first)
	for _, h := range hosts[1:] {
		labels := labelsOf(h)
		n := commonSuffixLabels(first, labels)
		if n < maxSuffixLen {
			maxSuffixLen = n
		}
	}
	if maxSuffixLen == 0 {
		return ""
	}
	suffixLabels := first[len(first)-maxSuffixLen:]
	return "." + strings.Join(suffixLabels, ".") + "."
}

func commonSuffixLabels(a, b []string) int {
	i, j := len(a)-1, len(b)-1
	n := 0
	for i >= 0 && j >= 0 && a[i] == b[j] {
		n++
		i--
		j--
	}
	return n
}
