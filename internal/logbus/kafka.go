package logbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"

	"github.com/kumocorp/engine/internal/logging"
)

// KafkaConfig configures a KafkaConsumer.
type KafkaConfig struct {
	Brokers    []string
	Topic      string
	QueueDepth int
}

// KafkaConsumer publishes each accepted Record as a JSON message to a
// Kafka topic, per spec.md §4.9's optional network consumers. Same
// queue-then-worker shape as WebhookConsumer/AMQPConsumer; kafka-go's
// Writer already batches and retries internally, so the worker here
// only needs to hand records to it.
type KafkaConsumer struct {
	writer *kafka.Writer
	logger *logging.Logger

	queue chan Record
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewKafkaConsumer starts the background publish worker.
func NewKafkaConsumer(cfg KafkaConfig, logger *logging.Logger) *KafkaConsumer {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1024
	}
	w := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	c := &KafkaConsumer{
		writer: w,
		logger: logger.WithFields("component", "logbus", "consumer", "kafka"),
		queue:  make(chan Record, cfg.QueueDepth),
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *KafkaConsumer) Name() string { return "kafka" }

func (c *KafkaConsumer) Accept(Record) bool { return true }

// Consume enqueues rec for the background publisher.
func (c *KafkaConsumer) Consume(ctx context.Context, rec Record) error {
	select {
	case c.queue <- rec:
		return nil
	default:
		return fmt.Errorf("logbus: kafka queue full, dropping record for message %s", rec.MessageID)
	}
}

func (c *KafkaConsumer) run() {
	defer c.wg.Done()
	for {
		select {
		case rec := <-c.queue:
			c.publish(rec)
		case <-c.done:
			return
		}
	}
}

func (c *KafkaConsumer) publish(rec Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		c.logger.Error("marshal kafka record", "error", err.Error())
		return
	}
	msg := kafka.Message{Key: []byte(rec.MessageID), Value: payload}
	if err := c.writer.WriteMessages(context.Background(), msg); err != nil {
		c.logger.Warn("kafka publish failed", "error", err.Error(), "message_id", rec.MessageID)
	}
}

// Close stops the background worker and flushes the underlying writer.
func (c *KafkaConsumer) Close() error {
	close(c.done)
	c.wg.Wait()
	return c.writer.Close()
}
