// Package queuename derives the canonical Scheduled Queue name from
// message metadata, per spec.md §4.4: a stable string such as
// "campaign:tenant@domain@smtp" with absent components omitted in a
// fixed grammar.
//
// Grounded on the teacher's internal/smtp/delivery.go Enqueue, which
// groups messages by recipient domain before handing them to delivery
// workers; this package generalizes that single-axis grouping key into
// the full (campaign, tenant, domain, routing_domain, protocol) tuple
// spec.md calls for.
package queuename

import "strings"

// Attributes is the subset of message metadata that determines a queue
// name. All fields are optional except Domain and Protocol, which are
// required for delivery to mean anything; Derive does not itself
// enforce that, callers populate it from parsed message metadata.
type Attributes struct {
	Campaign      string
	Tenant        string
	Domain        string
	RoutingDomain string // populated only when it differs from Domain
	Protocol      string // e.g. "smtp", "lmtp"
}

// Derive computes the canonical queue name string.
//
// Grammar: "[campaign:][tenant]@domain[@routing_domain]@protocol" — the
// campaign/tenant prefix is present only when at least one of the two
// is set (joined by ':' only if both are set); domain is always
// rendered if set; routing_domain is rendered only when non-empty and
// different from domain (an explicit routing override); protocol is
// always rendered if set. Absent leading components are simply
// omitted, never leaving stray separators.
func Derive(a Attributes) string {
	var b strings.Builder

	switch {
	case a.Campaign != "" && a.Tenant != "":
		b.WriteString(a.Campaign)
		b.WriteString(":")
		b.WriteString(a.Tenant)
	case a.Campaign != "":
		b.WriteString(a.Campaign)
	case a.Tenant != "":
		b.WriteString(a.Tenant)
	}

	if a.Domain != "" {
		b.WriteString("@")
		b.WriteString(a.Domain)
	}

	if a.RoutingDomain != "" && a.RoutingDomain != a.Domain {
		b.WriteString("@")
		b.WriteString(a.RoutingDomain)
	}

	if a.Protocol != "" {
		b.WriteString("@")
		b.WriteString(a.Protocol)
	}

	return b.String()
}

// Parse recovers a best-effort Attributes from a name Derive produced.
// The grammar is not perfectly invertible: a lone prefix token before
// the first '@' could have come from either Campaign or Tenant alone
// (Parse attributes it to Tenant), and a RoutingDomain that happened to
// equal Domain was never rendered in the first place, so it can never
// be recovered. Callers that only need Domain and Protocol back — the
// fields that determine delivery behavior — are unaffected by either
// ambiguity; callers matching on Campaign/Tenant (e.g. admin suspend
// patterns) should treat a recovered name as advisory.
func Parse(name string) Attributes {
	var a Attributes
	parts := strings.Split(name, "@")

	if prefix := parts[0]; prefix != "" {
		if i := strings.IndexByte(prefix, ':'); i >= 0 {
			a.Campaign, a.Tenant = prefix[:i], prefix[i+1:]
		} else {
			a.Tenant = prefix
		}
	}

	switch rest := parts[1:]; len(rest) {
	case 0:
	case 1:
		a.Domain = rest[0]
	case 2:
		a.Domain, a.Protocol = rest[0], rest[1]
	default:
		a.Domain, a.RoutingDomain, a.Protocol = rest[0], rest[1], rest[len(rest)-1]
	}

	return a
}
