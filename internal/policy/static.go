// Package policy's static resolvers are the concrete, file-declared
// reference implementations of the get_queue_config/get_egress_source/
// get_egress_pool callbacks spec.md §6 otherwise leaves to an
// out-of-scope policy layer, for deployments that would rather declare
// routing in the engine's own config than run a separate policy
// service. Grounded on the teacher's `domain add`/`domain list`
// administration commands: a flat, config-declared table playing the
// same role for outbound routing that the teacher's domains table
// plays for listener-side acceptance.
package policy

import (
	"fmt"
	"strings"

	"github.com/kumocorp/engine/internal/egress"
	"github.com/kumocorp/engine/internal/queuename"
	"github.com/kumocorp/engine/internal/scheduledqueue"
)

// QueueRule is one static routing entry. StaticQueueConfig ignores
// entries of rules whose DomainSuffix is ""; the catch-all is its def
// argument.
type QueueRule struct {
	DomainSuffix     string
	Protocol         string
	EgressPool       string
	MaxAge           string // koanf-style duration, e.g. "72h"
	RetryInterval    string
	MaxRetryInterval string
	MaxMessageRate   float64
}

// StaticQueueConfig resolves scheduledqueue.QueueConfig by matching a
// queue name's recovered domain (via queuename.Parse) against rules in
// rules, picking the rule with the longest matching DomainSuffix —
// the same longest-match-wins discipline as HTTP routing tables and DNS
// zone delegation. A queue name that matches no rule falls through to
// def.
func StaticQueueConfig(rules []QueueRule, def QueueRule) scheduledqueue.ConfigResolver {
	return func(queueName string) (scheduledqueue.QueueConfig, error) {
		domain := queuename.Parse(queueName).Domain
		rule := def
		best := -1
		for _, r := range rules {
			if r.DomainSuffix == "" {
				continue
			}
			if !strings.HasSuffix(domain, r.DomainSuffix) {
				continue
			}
			if len(r.DomainSuffix) > best {
				best = len(r.DomainSuffix)
				rule = r
			}
		}
		return queueRuleToConfig(rule)
	}
}

func queueRuleToConfig(r QueueRule) (scheduledqueue.QueueConfig, error) {
	cfg := scheduledqueue.QueueConfig{
		Protocol:       r.Protocol,
		EgressPool:     r.EgressPool,
		MaxMessageRate: r.MaxMessageRate,
	}
	var err error
	if r.MaxAge != "" {
		if cfg.MaxAge, err = ParseDuration("max_age", r.MaxAge); err != nil {
			return scheduledqueue.QueueConfig{}, err
		}
	}
	if r.RetryInterval != "" {
		if cfg.RetryInterval, err = ParseDuration("retry_interval", r.RetryInterval); err != nil {
			return scheduledqueue.QueueConfig{}, err
		}
	}
	if r.MaxRetryInterval != "" {
		if cfg.MaxRetryInterval, err = ParseDuration("max_retry_interval", r.MaxRetryInterval); err != nil {
			return scheduledqueue.QueueConfig{}, err
		}
	}
	return cfg, nil
}

// StaticEgressSource resolves a fixed, in-memory table of named egress
// sources — the common case where sources are declared once at startup
// rather than discovered from a running fleet.
func StaticEgressSource(sources map[string]egress.Source) egress.SourceResolver {
	return func(name string) (*egress.Source, error) {
		s, ok := sources[name]
		if !ok {
			return nil, fmt.Errorf("policy: no static egress source named %q", name)
		}
		return &s, nil
	}
}

// StaticEgressPool resolves a fixed, in-memory table of named egress
// pools.
func StaticEgressPool(pools map[string]egress.Pool) egress.PoolResolver {
	return func(name string) (*egress.Pool, error) {
		p, ok := pools[name]
		if !ok {
			return nil, fmt.Errorf("policy: no static egress pool named %q", name)
		}
		return &p, nil
	}
}
