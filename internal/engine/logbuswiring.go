package engine

import (
	"context"
	"fmt"

	"github.com/kumocorp/engine/internal/config"
	"github.com/kumocorp/engine/internal/logbus"
	"github.com/kumocorp/engine/internal/logging"
	"github.com/kumocorp/engine/internal/policy"
)

// wireLogBus registers the local file-writer consumer plus every
// network consumer named in cfg onto e's bus, each wrapped in a
// FilteredConsumer that composes the sink's configured `Types` allowlist
// with the should_enqueue_log_record policy callback (spec.md §6, §4.9).
// Webhook sinks get the reserved-queue durability treatment spec.md
// §4.9/§274 names explicitly ("log hook records as messages"); AMQP and
// Kafka sinks remain best-effort consumers, since neither protocol's
// client library exposes the request/response round trip a Scheduled
// Queue retry decision needs to classify transient vs. permanent.
func wireLogBus(e *Engine, cfg config.LogBusConfig, logFilter policy.LogFilterFunc, logger *logging.Logger) error {
	bus := e.bus
	if cfg.FileDir != "" {
		rotateSize := cfg.RotateSize
		if rotateSize <= 0 {
			rotateSize = 1 << 30
		}
		rotateInterval, err := policy.ParseDuration("log_bus.rotate_interval", orDefault(cfg.RotateInterval, "24h"))
		if err != nil {
			return err
		}
		fw, err := logbus.NewFileWriter(logbus.FileWriterConfig{
			Dir:             cfg.FileDir,
			MaxSegmentBytes: rotateSize,
			MaxSegmentAge:   rotateInterval,
		})
		if err != nil {
			return fmt.Errorf("engine: opening log bus file writer: %w", err)
		}
		bus.Register(fw)
	}

	var predicate logbus.PredicateFunc
	if logFilter != nil {
		predicate = policy.AsLogPredicate(logFilter, func(err error) {
			logger.LogBus().ErrorContext(context.Background(), "should_enqueue_log_record callback failed", err)
		})
	}

	for _, w := range cfg.Webhooks {
		wc := newWebhookLogConsumer(e, w.Name, w.URL, combinePredicates(typesPredicate(w.Types), predicate))
		bus.Register(wc)
	}
	for _, a := range cfg.AMQP {
		ac, err := logbus.NewAMQPConsumer(logbus.AMQPConfig{URL: a.URL, Exchange: a.Exchange}, logger)
		if err != nil {
			return fmt.Errorf("engine: connecting amqp log sink %q: %w", a.Name, err)
		}
		bus.Register(logbus.FilteredConsumer{Consumer: ac, Predicate: combinePredicates(typesPredicate(a.Types), predicate)})
	}
	for _, k := range cfg.Kafka {
		kc := logbus.NewKafkaConsumer(logbus.KafkaConfig{Brokers: k.Brokers, Topic: k.Topic}, logger)
		bus.Register(logbus.FilteredConsumer{Consumer: kc, Predicate: combinePredicates(typesPredicate(k.Types), predicate)})
	}
	return nil
}

// typesPredicate restricts a sink to the record Kinds named in types; an
// empty list admits every Kind.
func typesPredicate(types []string) logbus.PredicateFunc {
	if len(types) == 0 {
		return nil
	}
	allow := make(map[string]bool, len(types))
	for _, t := range types {
		allow[t] = true
	}
	return func(rec logbus.Record) bool { return allow[string(rec.Kind)] }
}

func combinePredicates(preds ...logbus.PredicateFunc) logbus.PredicateFunc {
	return func(rec logbus.Record) bool {
		for _, p := range preds {
			if p != nil && !p(rec) {
				return false
			}
		}
		return true
	}
}
