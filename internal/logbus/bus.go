package logbus

import (
	"context"
	"sync"

	"github.com/kumocorp/engine/internal/logging"
)

// Consumer receives Records from a Bus. Accept is consulted before
// Consume so a consumer can cheaply ignore records it does not care
// about; a Consumer whose Accept always returns true receives every
// record.
type Consumer interface {
	Name() string
	Accept(Record) bool
	Consume(ctx context.Context, rec Record) error
}

// PredicateFunc adapts a plain function into a record filter, for the
// "arbitrary predicate" half of spec.md §4.9's filter requirement.
type PredicateFunc func(Record) bool

// FilteredConsumer wraps a Consumer with an additional predicate,
// composing with whatever type-based filtering the Consumer already
// does in its own Accept.
type FilteredConsumer struct {
	Consumer
	Predicate PredicateFunc
}

func (f FilteredConsumer) Accept(rec Record) bool {
	return f.Consumer.Accept(rec) && (f.Predicate == nil || f.Predicate(rec))
}

// Bus is the fan-out Log Event Bus. Publish is synchronous with respect
// to every registered Consumer: a Consumer that needs asynchronous
// delivery (e.g. network consumers that should not block the delivery
// hot path) is expected to queue internally and return quickly, which
// is exactly what WebhookConsumer/AMQPConsumer/KafkaConsumer do.
type Bus struct {
	mu        sync.RWMutex
	consumers []Consumer
	logger    *logging.Logger
}

// New constructs an empty Bus.
func New(logger *logging.Logger) *Bus {
	return &Bus{logger: logger.LogBus()}
}

// Register adds a consumer. Consumers are invoked in registration order.
func (b *Bus) Register(c Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers = append(b.consumers, c)
}

// Publish fans rec out to every consumer whose Accept returns true. A
// consumer error is logged and does not prevent delivery to the
// remaining consumers — per spec.md §4.9, only a consumer wired through
// the reserved `webhook` Scheduled Queue gets the durability guarantee
// that blocks spool removal; ordinary consumers are best-effort.
func (b *Bus) Publish(ctx context.Context, rec Record) {
	b.mu.RLock()
	consumers := append([]Consumer(nil), b.consumers...)
	b.mu.RUnlock()

	for _, c := range consumers {
		if !c.Accept(rec) {
			continue
		}
		if err := c.Consume(ctx, rec); err != nil {
			b.logger.ErrorContext(ctx, "log bus consumer failed",
				"consumer", c.Name(), "kind", string(rec.Kind), "message_id", rec.MessageID, "error", err.Error())
		}
	}
}

// Close shuts down every registered consumer that implements io.Closer
// semantics via CloseableConsumer, in registration order.
func (b *Bus) Close() error {
	b.mu.RLock()
	consumers := append([]Consumer(nil), b.consumers...)
	b.mu.RUnlock()

	var firstErr error
	for _, c := range consumers {
		if closer, ok := c.(CloseableConsumer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CloseableConsumer is implemented by consumers holding a resource (a
// file handle, a network connection) that must be released on shutdown.
type CloseableConsumer interface {
	Close() error
}
