package policy

import (
	"testing"
	"time"

	"github.com/kumocorp/engine/internal/egress"
	"github.com/kumocorp/engine/internal/queuename"
)

func TestStaticQueueConfigMatchesLongestSuffix(t *testing.T) {
	resolve := StaticQueueConfig([]QueueRule{
		{DomainSuffix: "example.com", Protocol: "smtp", RetryInterval: "1m"},
		{DomainSuffix: "bulk.example.com", Protocol: "smtp", RetryInterval: "5m", MaxMessageRate: 100},
	}, QueueRule{Protocol: "smtp", RetryInterval: "10m"})

	name := queuename.Derive(queuename.Attributes{Domain: "bulk.example.com", Protocol: "smtp"})
	cfg, err := resolve(name)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.RetryInterval != 5*time.Minute {
		t.Errorf("RetryInterval = %v, want 5m (the more specific bulk.example.com rule should win)", cfg.RetryInterval)
	}
	if cfg.MaxMessageRate != 100 {
		t.Errorf("MaxMessageRate = %v, want 100", cfg.MaxMessageRate)
	}
}

func TestStaticQueueConfigFallsBackToDefault(t *testing.T) {
	resolve := StaticQueueConfig([]QueueRule{
		{DomainSuffix: "example.com", RetryInterval: "1m"},
	}, QueueRule{RetryInterval: "10m"})

	name := queuename.Derive(queuename.Attributes{Domain: "unrelated.net", Protocol: "smtp"})
	cfg, err := resolve(name)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.RetryInterval != 10*time.Minute {
		t.Errorf("RetryInterval = %v, want 10m default", cfg.RetryInterval)
	}
}

func TestStaticQueueConfigRejectsBadDuration(t *testing.T) {
	resolve := StaticQueueConfig(nil, QueueRule{RetryInterval: "not-a-duration"})
	if _, err := resolve(queuename.Derive(queuename.Attributes{Domain: "x.com"})); err == nil {
		t.Fatal("expected an error from a malformed default rule duration")
	}
}

func TestStaticEgressSourceResolvesKnownName(t *testing.T) {
	resolve := StaticEgressSource(map[string]egress.Source{
		"ip1": {Name: "ip1", SourceAddress: "10.0.0.1"},
	})
	src, err := resolve("ip1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if src.SourceAddress != "10.0.0.1" {
		t.Errorf("SourceAddress = %q, want 10.0.0.1", src.SourceAddress)
	}
}

func TestStaticEgressSourceErrorsOnUnknownName(t *testing.T) {
	resolve := StaticEgressSource(map[string]egress.Source{})
	if _, err := resolve("nope"); err == nil {
		t.Fatal("expected an error resolving an undeclared source")
	}
}

func TestStaticEgressPoolErrorsOnUnknownName(t *testing.T) {
	resolve := StaticEgressPool(map[string]egress.Pool{})
	if _, err := resolve("nope"); err == nil {
		t.Fatal("expected an error resolving an undeclared pool")
	}
}
