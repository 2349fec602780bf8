package logbus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kumocorp/engine/internal/logging"
)

type recordingConsumer struct {
	mu       sync.Mutex
	name     string
	accept   func(Record) bool
	received []Record
	failNext bool
}

func (c *recordingConsumer) Name() string { return c.name }

func (c *recordingConsumer) Accept(rec Record) bool {
	if c.accept == nil {
		return true
	}
	return c.accept(rec)
}

func (c *recordingConsumer) Consume(ctx context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return errors.New("boom")
	}
	c.received = append(c.received, rec)
	return nil
}

func (c *recordingConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func TestBusPublishFansOutToAllConsumers(t *testing.T) {
	bus := New(logging.Default())
	a := &recordingConsumer{name: "a"}
	b := &recordingConsumer{name: "b"}
	bus.Register(a)
	bus.Register(b)

	bus.Publish(context.Background(), Record{Kind: KindDelivery, MessageID: "m1"})

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("expected both consumers to receive the record, got a=%d b=%d", a.count(), b.count())
	}
}

func TestBusPublishRespectsAccept(t *testing.T) {
	bus := New(logging.Default())
	bounceOnly := &recordingConsumer{name: "bounce-only", accept: func(r Record) bool { return r.Kind == KindBounce }}
	bus.Register(bounceOnly)

	bus.Publish(context.Background(), Record{Kind: KindDelivery})
	bus.Publish(context.Background(), Record{Kind: KindBounce})

	if bounceOnly.count() != 1 {
		t.Fatalf("expected exactly one accepted record, got %d", bounceOnly.count())
	}
}

func TestBusPublishContinuesAfterConsumerError(t *testing.T) {
	bus := New(logging.Default())
	failing := &recordingConsumer{name: "failing", failNext: true}
	ok := &recordingConsumer{name: "ok"}
	bus.Register(failing)
	bus.Register(ok)

	bus.Publish(context.Background(), Record{Kind: KindReception})

	if ok.count() != 1 {
		t.Fatalf("a failing consumer must not prevent delivery to later consumers")
	}
}

func TestFilteredConsumerComposesPredicates(t *testing.T) {
	base := &recordingConsumer{name: "base", accept: func(r Record) bool { return true }}
	filtered := FilteredConsumer{Consumer: base, Predicate: func(r Record) bool { return r.Site == "example.com" }}

	if filtered.Accept(Record{Site: "other.com"}) {
		t.Fatalf("predicate should reject non-matching site")
	}
	if !filtered.Accept(Record{Site: "example.com"}) {
		t.Fatalf("predicate should accept matching site")
	}
}
